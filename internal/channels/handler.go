package channels

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/hub"
	mw "github.com/clk-66/concord/internal/middleware"
	"github.com/clk-66/concord/internal/pagination"
	"github.com/clk-66/concord/internal/permissions"
	"github.com/clk-66/concord/internal/respond"
)

const maxMessageLength = 2000

// Publisher delivers gateway events to server members or chosen users.
type Publisher interface {
	PublishToServer(ctx context.Context, serverID string, evt hub.Envelope)
	SendToUser(evt hub.Envelope, userIDs ...string)
}

// Guard answers permission questions that depend on the resource, such as
// deleting someone else's message.
type Guard interface {
	HasPermission(ctx context.Context, userID, serverID string, p permissions.Permission) (bool, error)
}

// Handler wires HTTP requests to the channels Service.
type Handler struct {
	svc   *Service
	guard Guard
	vis   *Visibility
	pub   Publisher
}

func NewHandler(svc *Service, guard Guard, vis *Visibility, pub Publisher) *Handler {
	return &Handler{svc: svc, guard: guard, vis: vis, pub: pub}
}

// ---- Channels ------------------------------------------------------------

// GET /servers/{serverId}/channels
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	includePrivate := false
	if set, ok := mw.Permissions(r.Context()); ok {
		includePrivate = set.Allows(permissions.ManageChannels)
	}
	list, err := h.svc.List(r.Context(), chi.URLParam(r, "serverId"), includePrivate)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching channels", err))
		return
	}
	respond.JSON(w, http.StatusOK, list)
}

// GET /servers/{serverId}/channels/{channelId}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	respond.JSON(w, http.StatusOK, ch)
}

// POST /servers/{serverId}/channels
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string  `json:"name"`
		Description *string `json:"description"`
		IsPrivate   bool    `json:"isPrivate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "Channel name is required"))
		return
	}

	ch, err := h.svc.Create(r.Context(), CreateChannelInput{
		ServerID:    chi.URLParam(r, "serverId"),
		Name:        body.Name,
		Description: body.Description,
		IsPrivate:   body.IsPrivate,
	})
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error creating channel", err))
		return
	}

	h.publish(r.Context(), ch, hub.Envelope{Type: hub.EventChannelCreate, Payload: ch})
	respond.JSON(w, http.StatusCreated, ch)
}

// PATCH /servers/{serverId}/channels/{channelId}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		IsPrivate   *bool   `json:"isPrivate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}

	before, ok := h.channel(w, r)
	if !ok {
		return
	}

	ch, err := h.svc.Update(r.Context(), before.ServerID, before.ID, UpdateChannelInput{
		Name:        body.Name,
		Description: body.Description,
		IsPrivate:   body.IsPrivate,
	})
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Channel"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error updating channel", err))
		return
	}

	if ch.IsPrivate && !before.IsPrivate {
		h.hideFromNonViewers(r.Context(), ch)
	}
	h.publish(r.Context(), ch, hub.Envelope{Type: hub.EventChannelUpdate, Payload: ch})
	respond.JSON(w, http.StatusOK, ch)
}

// DELETE /servers/{serverId}/channels/{channelId}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}

	err := h.svc.Delete(r.Context(), ch.ServerID, ch.ID)
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Channel"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error deleting channel", err))
		return
	}

	h.publish(r.Context(), ch, hub.Envelope{
		Type:    hub.EventChannelDelete,
		Payload: map[string]string{"id": ch.ID, "serverId": ch.ServerID},
	})
	respond.NoContent(w)
}

// ---- Messages ------------------------------------------------------------

// GET /servers/{serverId}/channels/{channelId}/messages?page=&limit=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	page := pagination.FromRequest(r)
	msgs, total, err := h.svc.ListMessages(r.Context(), ch.ID, page)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching messages", err))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"data":       msgs,
		"pagination": pagination.NewMeta(page, total),
	})
}

// POST /servers/{serverId}/channels/{channelId}/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	content, ok := decodeContent(w, r)
	if !ok {
		return
	}

	msg, err := h.svc.CreateMessage(r.Context(), ch.ID, mw.UserID(r.Context()), content)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error creating message", err))
		return
	}

	h.publish(r.Context(), ch, hub.Envelope{Type: hub.EventMessageCreate, Payload: msg})
	respond.JSON(w, http.StatusCreated, msg)
}

// PATCH /servers/{serverId}/channels/{channelId}/messages/{messageId}
func (h *Handler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	existing, ok := h.message(w, r, ch.ID)
	if !ok {
		return
	}
	if existing.Author.ID != mw.UserID(r.Context()) {
		respond.Error(w, r, apperr.Forbidden("NOT_AUTHOR", "Only the author can edit a message"))
		return
	}
	content, ok := decodeContent(w, r)
	if !ok {
		return
	}

	msg, err := h.svc.UpdateMessage(r.Context(), ch.ID, existing.ID, content)
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error updating message", err))
		return
	}

	h.publish(r.Context(), ch, hub.Envelope{Type: hub.EventMessageUpdate, Payload: msg})
	respond.JSON(w, http.StatusOK, msg)
}

// DELETE /servers/{serverId}/channels/{channelId}/messages/{messageId}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	existing, ok := h.message(w, r, ch.ID)
	if !ok {
		return
	}

	userID := mw.UserID(r.Context())
	if existing.Author.ID != userID {
		allowed, err := h.guard.HasPermission(r.Context(), userID, ch.ServerID, permissions.ManageMessages)
		if err != nil {
			respond.Error(w, r, &apperr.Error{
				Status:  http.StatusInternalServerError,
				Code:    "PERMISSION_CHECK_ERROR",
				Message: "Failed to check permissions",
				Cause:   err,
			})
			return
		}
		if !allowed {
			respond.Error(w, r, apperr.Forbidden("INSUFFICIENT_PERMISSIONS", "Insufficient permissions"))
			return
		}
	}

	if err := h.svc.DeleteMessage(r.Context(), ch.ID, existing.ID); err != nil && !errors.Is(err, ErrMessageNotFound) {
		respond.Error(w, r, apperr.Internal("Error deleting message", err))
		return
	}

	h.publish(r.Context(), ch, hub.Envelope{
		Type:    hub.EventMessageDelete,
		Payload: map[string]string{"id": existing.ID, "channelId": ch.ID},
	})
	respond.NoContent(w)
}

// ---- Helpers -------------------------------------------------------------

// channel loads the channel named by the route, scoped to the route's server.
// Private channels are reported as missing to callers who cannot see them.
func (h *Handler) channel(w http.ResponseWriter, r *http.Request) (*Channel, bool) {
	ch, err := h.svc.Get(r.Context(), chi.URLParam(r, "serverId"), chi.URLParam(r, "channelId"))
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, r, apperr.NotFound("Channel"))
		return nil, false
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching channel", err))
		return nil, false
	}
	if !ch.IsPrivate {
		return ch, true
	}

	var sees bool
	if set, ok := mw.Permissions(r.Context()); ok {
		sees = set.Allows(permissions.ManageChannels)
	} else {
		sees, err = h.vis.SeesPrivate(r.Context(), mw.UserID(r.Context()), ch.ServerID)
		if err != nil {
			respond.Error(w, r, &apperr.Error{
				Status:  http.StatusInternalServerError,
				Code:    "PERMISSION_CHECK_ERROR",
				Message: "Failed to check permissions",
				Cause:   err,
			})
			return nil, false
		}
	}
	if !sees {
		respond.Error(w, r, apperr.NotFound("Channel"))
		return nil, false
	}
	return ch, true
}

// publish sends evt to everyone who can see ch.
func (h *Handler) publish(ctx context.Context, ch *Channel, evt hub.Envelope) {
	if !ch.IsPrivate {
		h.pub.PublishToServer(ctx, ch.ServerID, evt)
		return
	}
	ids, err := h.vis.Viewers(ctx, ch)
	if err != nil {
		slog.WarnContext(ctx, "resolve channel audience", "channel_id", ch.ID, "type", evt.Type, "err", err)
		return
	}
	h.pub.SendToUser(evt, ids...)
}

// hideFromNonViewers tells members who lost sight of a channel that just
// turned private to drop it.
func (h *Handler) hideFromNonViewers(ctx context.Context, ch *Channel) {
	members, err := h.vis.members.ServerMemberIDs(ctx, ch.ServerID)
	if err != nil {
		slog.WarnContext(ctx, "resolve server audience", "server_id", ch.ServerID, "err", err)
		return
	}
	viewers, err := h.vis.Viewers(ctx, ch)
	if err != nil {
		slog.WarnContext(ctx, "resolve channel audience", "channel_id", ch.ID, "err", err)
		return
	}
	keep := make(map[string]bool, len(viewers))
	for _, id := range viewers {
		keep[id] = true
	}
	var hidden []string
	for _, id := range members {
		if !keep[id] {
			hidden = append(hidden, id)
		}
	}
	h.pub.SendToUser(hub.Envelope{
		Type:    hub.EventChannelDelete,
		Payload: map[string]string{"id": ch.ID, "serverId": ch.ServerID},
	}, hidden...)
}

func (h *Handler) message(w http.ResponseWriter, r *http.Request, channelID string) (*Message, bool) {
	msg, err := h.svc.GetMessage(r.Context(), channelID, chi.URLParam(r, "messageId"))
	if errors.Is(err, ErrMessageNotFound) {
		respond.Error(w, r, apperr.NotFound("Message"))
		return nil, false
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Error fetching message", err))
		return nil, false
	}
	return msg, true
}

func decodeContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return "", false
	}
	content := strings.TrimSpace(body.Content)
	if content == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "Message content is required"))
		return "", false
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		respond.Error(w, r, apperr.BadRequest("MESSAGE_TOO_LONG", "Message content exceeds 2000 characters"))
		return "", false
	}
	return content, true
}
