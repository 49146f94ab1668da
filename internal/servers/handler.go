package servers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/hub"
	mw "github.com/clk-66/concord/internal/middleware"
	"github.com/clk-66/concord/internal/pagination"
	"github.com/clk-66/concord/internal/respond"
)

// Publisher delivers gateway events.
type Publisher interface {
	PublishToServer(ctx context.Context, serverID string, evt hub.Envelope)
	SendToUser(evt hub.Envelope, userIDs ...string)
}

// ChannelVisibility reports who may see a server's private channels.
type ChannelVisibility interface {
	SeesPrivate(ctx context.Context, userID, serverID string) (bool, error)
}

type Handler struct {
	svc *Service
	vis ChannelVisibility
	pub Publisher
}

func NewHandler(svc *Service, vis ChannelVisibility, pub Publisher) *Handler {
	return &Handler{svc: svc, vis: vis, pub: pub}
}

// GET /servers
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := pagination.FromRequest(r)
	list, total, err := h.svc.List(r.Context(), mw.UserID(r.Context()), page)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching servers", err))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"data":       list,
		"pagination": pagination.NewMeta(page, total),
	})
}

// GET /servers/{serverId}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	serverID, userID := chi.URLParam(r, "serverId"), mw.UserID(r.Context())
	seesPrivate, err := h.vis.SeesPrivate(r.Context(), userID, serverID)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching server", err))
		return
	}
	srv, err := h.svc.Get(r.Context(), serverID, userID, seesPrivate)
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Server"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching server", err))
		return
	}
	respond.JSON(w, http.StatusOK, srv)
}

// POST /servers
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string  `json:"name"`
		Description *string `json:"description"`
		Icon        *string `json:"icon"`
		IsPublic    bool    `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "Server name is required"))
		return
	}

	srv, err := h.svc.Create(r.Context(), CreateServerInput{
		Name:        body.Name,
		Description: body.Description,
		Icon:        body.Icon,
		IsPublic:    body.IsPublic,
		OwnerID:     mw.UserID(r.Context()),
	})
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error creating server", err))
		return
	}
	respond.JSON(w, http.StatusCreated, srv)
}

// PATCH /servers/{serverId}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Icon        *string `json:"icon"`
		IsPublic    *bool   `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	if body.Name != nil && strings.TrimSpace(*body.Name) == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "Server name cannot be empty"))
		return
	}

	srv, err := h.svc.Update(r.Context(), chi.URLParam(r, "serverId"), UpdateServerInput{
		Name:        body.Name,
		Description: body.Description,
		Icon:        body.Icon,
		IsPublic:    body.IsPublic,
	})
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Server"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error updating server", err))
		return
	}

	h.pub.PublishToServer(r.Context(), srv.ID, hub.Envelope{Type: hub.EventServerUpdate, Payload: srv})
	respond.JSON(w, http.StatusOK, srv)
}

// DELETE /servers/{serverId}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverId")
	members, err := h.svc.Delete(r.Context(), id, mw.UserID(r.Context()))
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(w, r, apperr.NotFound("Server"))
		return
	case errors.Is(err, ErrNotOwner):
		respond.Error(w, r, apperr.Forbidden("NOT_OWNER", "Only the server owner can delete the server"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Error deleting server", err))
		return
	}

	h.pub.SendToUser(hub.Envelope{
		Type:    hub.EventServerUpdate,
		Payload: map[string]any{"deleted": true, "serverId": id},
	}, members...)
	respond.JSON(w, http.StatusOK, map[string]string{"message": "Server deleted successfully"})
}
