package invites

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/hub"
	mw "github.com/clk-66/concord/internal/middleware"
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

// POST /servers/{serverId}/invites
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxUses   int        `json:"maxUses"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	if body.MaxUses < 0 {
		respond.Error(w, r, apperr.BadRequest("INVALID_MAX_USES", "maxUses cannot be negative"))
		return
	}
	if body.ExpiresAt != nil && !body.ExpiresAt.After(time.Now()) {
		respond.Error(w, r, apperr.BadRequest("INVALID_EXPIRY", "expiresAt must be in the future"))
		return
	}

	invite, err := h.svc.Create(r.Context(), CreateInviteInput{
		ServerID:  chi.URLParam(r, "serverId"),
		CreatorID: mw.UserID(r.Context()),
		MaxUses:   body.MaxUses,
		ExpiresAt: body.ExpiresAt,
	})
	if err != nil {
		respond.Error(w, r, apperr.Internal("Failed to create invite", err))
		return
	}
	respond.JSON(w, http.StatusCreated, invite)
}

// GET /invites/{token} is public so it can be shown before the user signs in.
func (h *Handler) GetPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := h.svc.GetPreview(r.Context(), chi.URLParam(r, "token"))
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Invite"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Failed to fetch invite", err))
		return
	}
	respond.JSON(w, http.StatusOK, preview)
}

// POST /invites/{token}/use adds the caller to the invite's server.
func (h *Handler) Use(w http.ResponseWriter, r *http.Request) {
	userID := mw.UserID(r.Context())
	serverID, err := h.svc.Use(r.Context(), chi.URLParam(r, "token"), userID)
	switch {
	case errors.Is(err, ErrAlreadyMember):
		respond.Error(w, r, apperr.Conflict("ALREADY_MEMBER", "Already a member of this server"))
		return
	case errors.Is(err, ErrExpired):
		respond.Error(w, r, apperr.New(http.StatusGone, "INVITE_EXPIRED", "Invite has expired"))
		return
	case errors.Is(err, ErrExhausted):
		respond.Error(w, r, apperr.New(http.StatusGone, "INVITE_EXHAUSTED", "Invite has reached its use limit"))
		return
	case errors.Is(err, ErrNotFound):
		respond.Error(w, r, apperr.NotFound("Invite"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Failed to use invite", err))
		return
	}

	h.pub.PublishToServer(r.Context(), serverID, hub.Envelope{
		Type:    hub.EventMemberUpdate,
		Payload: map[string]any{"joined": true, "serverId": serverID, "userId": userID},
	})
	respond.JSON(w, http.StatusOK, map[string]string{"serverId": serverID})
}

// GET /servers/{serverId}/invites
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	invites, err := h.svc.List(r.Context(), chi.URLParam(r, "serverId"))
	if err != nil {
		respond.Error(w, r, apperr.Internal("Failed to list invites", err))
		return
	}
	respond.JSON(w, http.StatusOK, invites)
}

// DELETE /servers/{serverId}/invites/{token}
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Revoke(r.Context(), chi.URLParam(r, "serverId"), chi.URLParam(r, "token"))
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Invite"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Failed to revoke invite", err))
		return
	}
	respond.NoContent(w)
}
