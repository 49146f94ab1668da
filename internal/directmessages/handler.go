package directmessages

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/hub"
	mw "github.com/clk-66/concord/internal/middleware"
	"github.com/clk-66/concord/internal/respond"
)

// Publisher delivers gateway events to specific users.
type Publisher interface {
	SendToUser(evt hub.Envelope, userIDs ...string)
}

type Handler struct {
	svc *Service
	pub Publisher
}

func NewHandler(svc *Service, pub Publisher) *Handler {
	return &Handler{svc: svc, pub: pub}
}

// GET /dm/conversations
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.svc.Conversations(r.Context(), mw.UserID(r.Context()))
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching conversations", err))
		return
	}
	respond.JSON(w, http.StatusOK, convs)
}

// GET /dm/{id}, where id is the other participant
func (h *Handler) Between(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.Between(r.Context(), mw.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching messages", err))
		return
	}
	respond.JSON(w, http.StatusOK, msgs)
}

// POST /dm
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	body.Content = strings.TrimSpace(body.Content)
	if body.ReceiverID == "" || body.Content == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "receiverId and content are required"))
		return
	}

	msg, err := h.svc.Send(r.Context(), mw.UserID(r.Context()), body.ReceiverID, body.Content)
	switch {
	case errors.Is(err, ErrRecipientNotFound):
		respond.Error(w, r, apperr.NotFound("Recipient"))
		return
	case errors.Is(err, ErrSelfMessage):
		respond.Error(w, r, apperr.BadRequest("SELF_MESSAGE", "You cannot message yourself"))
		return
	case err != nil:
		respond.Error(w, r, apperr.Internal("Error sending message", err))
		return
	}

	h.notify(msg, "created")
	respond.JSON(w, http.StatusCreated, msg)
}

// PUT /dm/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Content) == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "content is required"))
		return
	}

	msg, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), mw.UserID(r.Context()), strings.TrimSpace(body.Content))
	if !h.writeErr(w, r, err, "Error updating message") {
		return
	}
	h.notify(msg, "updated")
	respond.JSON(w, http.StatusOK, msg)
}

// DELETE /dm/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"), mw.UserID(r.Context()))
	if !h.writeErr(w, r, err, "Error deleting message") {
		return
	}
	h.notify(msg, "deleted")
	respond.NoContent(w)
}

// writeErr maps service errors and reports whether the request may continue.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error, msg string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotFound):
		respond.Error(w, r, apperr.NotFound("Message"))
	case errors.Is(err, ErrNotSender):
		respond.Error(w, r, apperr.Forbidden("NOT_SENDER", "Only the sender can change this message"))
	default:
		respond.Error(w, r, apperr.Internal(msg, err))
	}
	return false
}

func (h *Handler) notify(msg *DirectMessage, action string) {
	h.pub.SendToUser(hub.Envelope{
		Type:    hub.EventDirectMessage,
		Payload: map[string]any{"action": action, "message": msg},
	}, msg.Sender.ID, msg.Receiver.ID)
}
