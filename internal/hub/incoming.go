package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const audienceLookupTimeout = 5 * time.Second

// IncomingEnvelope is the wire format for client → server WebSocket messages.
type IncomingEnvelope struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"d"`
}

// Incoming op-codes sent by the client.
const (
	OpTypingStart = "TYPING_START"
)

type incomingTypingStart struct {
	ChannelID string `json:"channelId"`
}

func (c *Client) handleMessage(raw []byte) {
	var msg IncomingEnvelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("ws bad message", "user_id", c.UserID, "err", err)
		return
	}

	switch msg.Op {
	case OpTypingStart:
		c.handleTypingStart(msg.Payload)
	default:
		slog.Debug("ws unknown op", "op", msg.Op, "user_id", c.UserID)
	}
}

// handleTypingStart relays a typing indicator to the other users who can see
// the channel. The sender must be one of them.
//
//	{"op":"TYPING_START","d":{"channelId":"<id>"}}
func (c *Client) handleTypingStart(raw json.RawMessage) {
	var payload incomingTypingStart
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ChannelID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), audienceLookupTimeout)
	defer cancel()

	serverID, viewers, err := c.hub.audience.ChannelAudience(ctx, payload.ChannelID)
	if err != nil {
		slog.Debug("typing: resolve channel audience", "channel_id", payload.ChannelID, "err", err)
		return
	}

	recipients := make([]string, 0, len(viewers))
	canSee := false
	for _, id := range viewers {
		if id == c.UserID {
			canSee = true
			continue
		}
		recipients = append(recipients, id)
	}
	if !canSee {
		return
	}

	c.hub.SendToUser(Envelope{
		Type: EventTypingStart,
		Payload: map[string]any{
			"userId":    c.UserID,
			"username":  c.Username,
			"channelId": payload.ChannelID,
			"serverId":  serverID,
		},
	}, recipients...)
}
