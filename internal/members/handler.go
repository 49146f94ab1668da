package members

import (
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

// Publisher delivers gateway events.
type Publisher interface {
	PublishToServer(ctx context.Context, serverID string, evt hub.Envelope)
	SendToUser(evt hub.Envelope, userIDs ...string)
}

// Guard answers authorization questions the route gates cannot, such as
// checks against the target member's current role.
type Guard interface {
	HasPermission(ctx context.Context, userID, serverID string, p permissions.Permission) (bool, error)
	CanManageRole(ctx context.Context, userID, serverID, roleID string) (bool, error)
}

type Handler struct {
	svc   *Service
	guard Guard
	pub   Publisher
}

func NewHandler(svc *Service, guard Guard, pub Publisher) *Handler {
	return &Handler{svc: svc, guard: guard, pub: pub}
}

// GET /servers/{serverId}/members
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	ok, err := h.svc.IsMember(r.Context(), serverID, mw.UserID(r.Context()))
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching members", err))
		return
	}
	if !ok {
		respond.Error(w, r, apperr.Forbidden("NOT_MEMBER", "You are not a member of this server"))
		return
	}

	page := pagination.FromRequest(r)
	list, total, err := h.svc.List(r.Context(), serverID, page)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching members", err))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"data":       list,
		"pagination": pagination.NewMeta(page, total),
	})
}

// POST /servers/{serverId}/members
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	member, err := h.svc.Join(r.Context(), serverID, mw.UserID(r.Context()))
	switch {
	case errors.Is(err, ErrServerNotFound):
		respond.Error(w, r, apperr.NotFound("Server"))
		return
	case errors.Is(err, ErrNotPublic):
		respond.Error(w, r, apperr.Forbidden("SERVER_NOT_PUBLIC", "This server requires an invite"))
		return
	case errors.Is(err, ErrAlreadyMember):
		respond.Error(w, r, apperr.Conflict("ALREADY_MEMBER", "User is already a member of this server"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Error joining server", err))
		return
	}

	h.pub.PublishToServer(r.Context(), serverID, hub.Envelope{Type: hub.EventMemberUpdate, Payload: member})
	respond.JSON(w, http.StatusCreated, member)
}

// PUT /servers/{serverId}/members/{userId}/role
//
// The route gates have already checked the caller may manage the new role.
// The caller must also outrank the role the target currently holds.
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	targetID := chi.URLParam(r, "userId")
	callerID := mw.UserID(r.Context())

	var body struct {
		RoleID string `json:"roleId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RoleID == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "roleId is required"))
		return
	}

	if !h.outranksTarget(w, r, callerID, serverID, targetID) {
		return
	}

	member, err := h.svc.AssignRole(r.Context(), serverID, targetID, body.RoleID)
	switch {
	case errors.Is(err, ErrRoleNotFound):
		respond.Error(w, r, apperr.NotFound("Role"))
		return
	case errors.Is(err, ErrNotMember):
		respond.Error(w, r, apperr.NotFound("Member"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Error assigning role", err))
		return
	}

	h.pub.PublishToServer(r.Context(), serverID, hub.Envelope{Type: hub.EventMemberUpdate, Payload: member})
	respond.JSON(w, http.StatusOK, member)
}

// DELETE /servers/{serverId}/members/{userId}
//
// Members may always leave. Removing someone else needs KICK_MEMBERS and
// a role above the target's.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	targetID := chi.URLParam(r, "userId")
	callerID := mw.UserID(r.Context())

	if targetID != callerID {
		ok, err := h.guard.HasPermission(r.Context(), callerID, serverID, permissions.KickMembers)
		if err != nil {
			respond.Error(w, r, permissionCheckError(err))
			return
		}
		if !ok {
			respond.Error(w, r, apperr.Forbidden("INSUFFICIENT_PERMISSIONS", "Insufficient permissions"))
			return
		}
		if !h.outranksTarget(w, r, callerID, serverID, targetID) {
			return
		}
	}

	err := h.svc.Remove(r.Context(), serverID, targetID)
	switch {
	case errors.Is(err, ErrServerNotFound):
		respond.Error(w, r, apperr.NotFound("Server"))
		return
	case errors.Is(err, ErrOwner):
		respond.Error(w, r, apperr.Forbidden("OWNER_CANNOT_LEAVE", "The server owner cannot be removed"))
		return
	case errors.Is(err, ErrNotMember):
		respond.Error(w, r, apperr.NotFound("Member"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Error removing member", err))
		return
	}

	evt := hub.Envelope{
		Type:    hub.EventMemberUpdate,
		Payload: map[string]any{"removed": true, "serverId": serverID, "userId": targetID},
	}
	h.pub.PublishToServer(r.Context(), serverID, evt)
	h.pub.SendToUser(evt, targetID)
	respond.NoContent(w)
}

// outranksTarget writes an error and returns false unless the caller may
// manage the role the target currently holds. Targets without a role are
// fair game.
func (h *Handler) outranksTarget(w http.ResponseWriter, r *http.Request, callerID, serverID, targetID string) bool {
	current, err := h.svc.CurrentRole(r.Context(), serverID, targetID)
	if errors.Is(err, ErrNotMember) {
		respond.Error(w, r, apperr.NotFound("Member"))
		return false
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error loading member", err))
		return false
	}
	if current == nil {
		return true
	}
	ok, err := h.guard.CanManageRole(r.Context(), callerID, serverID, *current)
	if err != nil {
		respond.Error(w, r, permissionCheckError(err))
		return false
	}
	if !ok {
		respond.Error(w, r, apperr.Forbidden("ROLE_HIERARCHY_ERROR", "You cannot manage a member at or above your own role"))
		return false
	}
	return true
}

func permissionCheckError(cause error) *apperr.Error {
	return &apperr.Error{
		Status:  http.StatusInternalServerError,
		Code:    "PERMISSION_CHECK_ERROR",
		Message: "Failed to check permissions",
		Cause:   cause,
	}
}
