package roles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/hub"
	mw "github.com/clk-66/concord/internal/middleware"
	"github.com/clk-66/concord/internal/pagination"
	"github.com/clk-66/concord/internal/permissions"
	"github.com/clk-66/concord/internal/respond"
)

// Publisher delivers gateway events to the members of a server.
type Publisher interface {
	PublishToServer(ctx context.Context, serverID string, evt hub.Envelope)
}

type Handler struct {
	svc *Service
	pub Publisher
}

func NewHandler(svc *Service, pub Publisher) *Handler {
	return &Handler{svc: svc, pub: pub}
}

type listResponse struct {
	Data              []Role                   `json:"data"`
	Pagination        pagination.Meta          `json:"pagination"`
	ViewerPermissions []permissions.Permission `json:"viewerPermissions,omitempty"`
}

// GET /roles?serverId=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	serverID := mw.ServerIDFrom(r)
	if serverID == "" {
		respond.Error(w, r, apperr.BadRequest("SERVER_ID_REQUIRED", "Server ID is required"))
		return
	}
	page := pagination.FromRequest(r)

	roles, total, err := h.svc.List(r.Context(), serverID, page)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching roles", err))
		return
	}

	resp := listResponse{Data: roles, Pagination: pagination.NewMeta(page, total)}
	if set, ok := mw.Permissions(r.Context()); ok {
		resp.ViewerPermissions = set.List()
	}
	respond.JSON(w, http.StatusOK, resp)
}

// GET /roles/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	role, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Role"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching role", err))
		return
	}
	respond.JSON(w, http.StatusOK, role)
}

// POST /roles
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string   `json:"name"`
		ServerID    string   `json:"serverId"`
		Color       *string  `json:"color"`
		Permissions []string `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	if body.Name == "" || body.ServerID == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "Name and server ID are required"))
		return
	}
	perms, err := permissions.ParseList(body.Permissions)
	if err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_PERMISSIONS", "Invalid permissions").WithDetails(err.Error()))
		return
	}

	role, err := h.svc.Create(r.Context(), CreateRoleInput{
		ServerID:    body.ServerID,
		Name:        body.Name,
		Color:       body.Color,
		Permissions: perms,
	})
	switch {
	case errors.Is(err, ErrServerNotFound):
		respond.Error(w, r, apperr.NotFound("Server"))
		return
	case errors.Is(err, ErrReservedName):
		respond.Error(w, r, apperr.BadRequest("RESERVED_ROLE_NAME", "The @everyone role name is reserved"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Error creating role", err))
		return
	}

	h.pub.PublishToServer(r.Context(), role.ServerID, hub.Envelope{Type: hub.EventRoleUpdate, Payload: role})
	respond.JSON(w, http.StatusCreated, role)
}

// PUT /roles/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  *string `json:"name"`
		Color *string `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}

	role, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), UpdateRoleInput{Name: body.Name, Color: body.Color})
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(w, r, apperr.NotFound("Role"))
		return
	case errors.Is(err, ErrReservedName):
		respond.Error(w, r, apperr.BadRequest("RESERVED_ROLE_NAME", "The @everyone role cannot be renamed"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Error updating role", err))
		return
	}

	h.pub.PublishToServer(r.Context(), role.ServerID, hub.Envelope{Type: hub.EventRoleUpdate, Payload: role})
	respond.JSON(w, http.StatusOK, role)
}

// DELETE /roles/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	serverID, err := h.svc.Delete(r.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(w, r, apperr.NotFound("Role"))
		return
	case errors.Is(err, ErrEveryoneRole):
		respond.Error(w, r, apperr.BadRequest("EVERYONE_ROLE", "Cannot delete @everyone role"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Error deleting role", err))
		return
	}

	h.pub.PublishToServer(r.Context(), serverID, hub.Envelope{
		Type:    hub.EventRoleUpdate,
		Payload: map[string]any{"deleted": true, "roleId": id, "serverId": serverID},
	})
	respond.JSON(w, http.StatusOK, map[string]string{"message": "Role deleted successfully"})
}

type permissionsResponse struct {
	RoleID      string                   `json:"roleId"`
	Permissions []permissions.Permission `json:"permissions"`
	Message     string                   `json:"message,omitempty"`
}

// GET /roles/{id}/permissions
func (h *Handler) GetPermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	perms, err := h.svc.Permissions(r.Context(), id)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching role permissions", err))
		return
	}
	respond.JSON(w, http.StatusOK, permissionsResponse{RoleID: id, Permissions: perms})
}

// PUT /roles/{id}/permissions
func (h *Handler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Permissions json.RawMessage `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	var raw []string
	if !isJSONArray(body.Permissions) || json.Unmarshal(body.Permissions, &raw) != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_PERMISSIONS", "Permissions must be an array"))
		return
	}
	perms, err := permissions.ParseList(raw)
	if err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_PERMISSIONS", "Invalid permissions").WithDetails(err.Error()))
		return
	}

	id := chi.URLParam(r, "id")
	stored, err := h.svc.ReplacePermissions(r.Context(), id, perms)
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Role"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error updating role permissions", err))
		return
	}

	if serverID, err := h.svc.ServerOf(r.Context(), id); err == nil {
		h.pub.PublishToServer(r.Context(), serverID, hub.Envelope{
			Type:    hub.EventRoleUpdate,
			Payload: permissionsResponse{RoleID: id, Permissions: stored},
		})
	}
	respond.JSON(w, http.StatusOK, permissionsResponse{
		RoleID:      id,
		Permissions: stored,
		Message:     "Permissions updated successfully",
	})
}

// GET /roles/system/permissions
func (h *Handler) SystemPermissions(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, permissions.CatalogSummary())
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
