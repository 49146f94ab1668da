package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Audience answers who should receive server-scoped events.
type Audience interface {
	ServerMemberIDs(ctx context.Context, serverID string) ([]string, error)
	// ChannelAudience returns the channel's server and the users allowed to
	// see the channel. Private channels narrow the server's members.
	ChannelAudience(ctx context.Context, channelID string) (serverID string, userIDs []string, err error)
}

type delivery struct {
	userIDs []string
	data    []byte
}

// Hub maintains the set of active WebSocket clients and routes events to
// users. Registration, unregistration and delivery all happen on the single
// Run goroutine, so the client indexes need no locks.
type Hub struct {
	upgrader websocket.Upgrader
	audience Audience

	// Only touched inside Run.
	clients   map[*Client]struct{}
	userIndex map[string][]*Client

	deliver    chan delivery
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(domain string, audience Audience) *Hub {
	h := &Hub{
		audience:   audience,
		clients:    make(map[*Client]struct{}),
		userIndex:  make(map[string][]*Client),
		deliver:    make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     makeCheckOrigin(domain),
	}
	return h
}

// makeCheckOrigin allows upgrades from the configured domain, from localhost
// variants, and from clients that send no Origin at all. An empty domain
// disables the check.
func makeCheckOrigin(domain string) func(*http.Request) bool {
	if domain == "" {
		slog.Warn("CONCORD_DOMAIN is not set; WebSocket origin check is disabled")
		return func(r *http.Request) bool { return true }
	}

	allowed := normaliseHost(domain)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil {
			slog.Warn("ws upgrade rejected: malformed Origin header", "origin", origin)
			return false
		}

		switch normaliseHost(u.Hostname()) {
		case allowed, "localhost", "127.0.0.1":
			return true
		}
		slog.Warn("ws upgrade rejected: origin not allowed", "origin", origin, "allowed_domain", allowed)
		return false
	}
}

// normaliseHost strips an optional scheme and port and lowercases the rest.
func normaliseHost(h string) string {
	h = strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(h), "https://"), "http://")
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.userIndex[c.UserID] = append(h.userIndex[c.UserID], c)
			slog.Info("ws connected", "user_id", c.UserID, "total", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)

		case d := <-h.deliver:
			var slow []*Client
			for _, userID := range d.userIDs {
				for _, c := range h.userIndex[userID] {
					if !c.enqueue(d.data) {
						slow = append(slow, c)
					}
				}
			}
			// drop rewrites userIndex in place, so it waits for the fan-out.
			for _, c := range slow {
				h.drop(c)
			}

		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.removeFromUserIndex(c)
	c.closeQueue()
	slog.Info("ws disconnected", "user_id", c.UserID, "total", len(h.clients))
}

// SendToUser queues evt for every connection of the given users.
func (h *Hub) SendToUser(evt Envelope, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("marshal event", "type", evt.Type, "err", err)
		return
	}
	select {
	case h.deliver <- delivery{userIDs: userIDs, data: data}:
	case <-h.done:
	}
}

// PublishToServer sends evt to every member of serverID. Lookup failures are
// logged; a broadcast never fails the request that caused it.
func (h *Hub) PublishToServer(ctx context.Context, serverID string, evt Envelope) {
	ids, err := h.audience.ServerMemberIDs(ctx, serverID)
	if err != nil {
		slog.WarnContext(ctx, "resolve server audience", "server_id", serverID, "type", evt.Type, "err", err)
		return
	}
	h.SendToUser(evt, ids...)
}

// ServeWS upgrades an HTTP connection to WebSocket and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID, username string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}
	c := newClient(h, conn, userID, username)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.speak()
	go c.listen()
}

func (h *Hub) removeFromUserIndex(target *Client) {
	conns := h.userIndex[target.UserID]
	filtered := conns[:0]
	for _, c := range conns {
		if c != target {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		delete(h.userIndex, target.UserID)
	} else {
		h.userIndex[target.UserID] = filtered
	}
}
