package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAudience struct {
	members  map[string][]string
	channels map[string]string
	// viewers overrides the server's members for private channels.
	viewers map[string][]string
}

func (a fakeAudience) ServerMemberIDs(_ context.Context, serverID string) ([]string, error) {
	ids, ok := a.members[serverID]
	if !ok {
		return nil, errors.New("unknown server")
	}
	return ids, nil
}

func (a fakeAudience) ChannelAudience(ctx context.Context, channelID string) (string, []string, error) {
	serverID, ok := a.channels[channelID]
	if !ok {
		return "", nil, errors.New("unknown channel")
	}
	if ids, ok := a.viewers[channelID]; ok {
		return serverID, ids, nil
	}
	ids, err := a.ServerMemberIDs(ctx, serverID)
	return serverID, ids, err
}

type testHub struct {
	*Hub
	srv       *httptest.Server
	connected chan struct{}
	cancel    context.CancelFunc
}

func startHub(t *testing.T, aud Audience) *testHub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub("", aud)
	go h.Run(ctx)

	th := &testHub{Hub: h, connected: make(chan struct{}, 8), cancel: cancel}
	th.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		h.ServeWS(w, r, user, user+"-name")
		// ServeWS returns once Run has taken the registration, so later
		// deliveries are ordered after it.
		th.connected <- struct{}{}
	}))
	t.Cleanup(func() {
		cancel()
		th.srv.Close()
	})
	return th
}

func (th *testHub) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case <-th.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never registered")
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestSendToUser(t *testing.T) {
	th := startHub(t, fakeAudience{})
	alice := th.dial(t, "alice")
	alice2 := th.dial(t, "alice")
	bob := th.dial(t, "bob")

	th.SendToUser(Envelope{Type: EventRoleUpdate, Payload: map[string]string{"roleId": "r1"}}, "alice")
	th.SendToUser(Envelope{Type: EventServerUpdate, Payload: nil}, "bob")

	for _, conn := range []*websocket.Conn{alice, alice2} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "ROLE_UPDATE", env["t"])
		assert.Equal(t, map[string]any{"roleId": "r1"}, env["d"])
	}

	env := readEnvelope(t, bob)
	assert.Equal(t, "SERVER_UPDATE", env["t"], "bob must not see alice's event")
}

func TestPublishToServer(t *testing.T) {
	th := startHub(t, fakeAudience{members: map[string][]string{"s1": {"alice", "bob"}}})
	alice := th.dial(t, "alice")
	bob := th.dial(t, "bob")

	th.PublishToServer(context.Background(), "s1", Envelope{Type: EventChannelCreate, Payload: map[string]string{"id": "c1"}})
	assert.Equal(t, "CHANNEL_CREATE", readEnvelope(t, alice)["t"])
	assert.Equal(t, "CHANNEL_CREATE", readEnvelope(t, bob)["t"])

	// Unknown server is logged and dropped.
	th.PublishToServer(context.Background(), "nope", Envelope{Type: EventChannelDelete})
	th.SendToUser(Envelope{Type: EventMessageCreate}, "alice")
	assert.Equal(t, "MESSAGE_CREATE", readEnvelope(t, alice)["t"])
}

func TestTypingStartRelaysToOtherMembers(t *testing.T) {
	th := startHub(t, fakeAudience{
		members:  map[string][]string{"s1": {"alice", "bob"}},
		channels: map[string]string{"c1": "s1"},
	})
	alice := th.dial(t, "alice")
	bob := th.dial(t, "bob")
	mallory := th.dial(t, "mallory")

	// Mallory is not a member, so her typing is ignored.
	require.NoError(t, mallory.WriteMessage(websocket.TextMessage, []byte(`{"op":"TYPING_START","d":{"channelId":"c1"}}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"op":"TYPING_START","d":{"channelId":"c1"}}`)))

	env := readEnvelope(t, bob)
	assert.Equal(t, "TYPING_START", env["t"])
	assert.Equal(t, map[string]any{
		"userId":    "alice",
		"username":  "alice-name",
		"channelId": "c1",
		"serverId":  "s1",
	}, env["d"])

	th.SendToUser(Envelope{Type: EventMessageCreate}, "alice")
	assert.Equal(t, "MESSAGE_CREATE", readEnvelope(t, alice)["t"], "sender does not get its own typing event")
}

func TestTypingStartInPrivateChannel(t *testing.T) {
	th := startHub(t, fakeAudience{
		members:  map[string][]string{"s1": {"alice", "bob", "carol"}},
		channels: map[string]string{"secret": "s1"},
		viewers:  map[string][]string{"secret": {"alice", "bob"}},
	})
	alice := th.dial(t, "alice")
	bob := th.dial(t, "bob")
	carol := th.dial(t, "carol")

	// Carol cannot see the channel, so she can neither type in it nor
	// learn that others do.
	require.NoError(t, carol.WriteMessage(websocket.TextMessage, []byte(`{"op":"TYPING_START","d":{"channelId":"secret"}}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"op":"TYPING_START","d":{"channelId":"secret"}}`)))

	env := readEnvelope(t, bob)
	assert.Equal(t, "TYPING_START", env["t"])
	assert.Equal(t, "alice", env["d"].(map[string]any)["userId"])

	th.SendToUser(Envelope{Type: EventMessageCreate}, "carol", "alice")
	assert.Equal(t, "MESSAGE_CREATE", readEnvelope(t, carol)["t"])
	assert.Equal(t, "MESSAGE_CREATE", readEnvelope(t, alice)["t"])
}

func TestSlowClientDroppedWithoutDisturbingOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub("", fakeAudience{})
	go h.Run(ctx)

	slow := newClient(h, nil, "u", "u")
	for i := 0; i < queueDepth; i++ {
		require.True(t, slow.enqueue([]byte("backlog")))
	}
	b := newClient(h, nil, "u", "u")
	c := newClient(h, nil, "u", "u")
	d := newClient(h, nil, "u", "u")
	for _, cl := range []*Client{slow, b, c, d} {
		h.register <- cl
	}

	next := func(cl *Client) string {
		t.Helper()
		select {
		case data, ok := <-cl.queue:
			require.True(t, ok, "queue closed")
			var env map[string]any
			require.NoError(t, json.Unmarshal(data, &env))
			return env["t"].(string)
		case <-time.After(2 * time.Second):
			t.Fatal("no event queued")
			return ""
		}
	}

	h.SendToUser(Envelope{Type: EventMessageCreate}, "u")
	h.SendToUser(Envelope{Type: EventMessageDelete}, "u")

	for _, cl := range []*Client{b, c, d} {
		assert.Equal(t, "MESSAGE_CREATE", next(cl))
		assert.Equal(t, "MESSAGE_DELETE", next(cl), "each event arrives exactly once")
	}

	// The slow client was disconnected: its backlog drains, then the queue
	// is closed.
	for i := 0; i < queueDepth; i++ {
		<-slow.queue
	}
	select {
	case _, ok := <-slow.queue:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("slow client queue never closed")
	}
}

func TestRunShutdownClosesClients(t *testing.T) {
	th := startHub(t, fakeAudience{})
	conn := th.dial(t, "alice")

	th.cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Sends after shutdown must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			th.SendToUser(Envelope{Type: EventMessageCreate}, "alice")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendToUser blocked after shutdown")
	}
}

func TestCheckOrigin(t *testing.T) {
	check := makeCheckOrigin("https://chat.example.com")

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "null", want: true},
		{origin: "https://chat.example.com", want: true},
		{origin: "https://CHAT.example.com:8443", want: true},
		{origin: "http://localhost:5173", want: true},
		{origin: "http://127.0.0.1:3000", want: true},
		{origin: "https://evil.example.com", want: false},
		{origin: "://bad", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, check(r))
		})
	}

	open := makeCheckOrigin("")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anything.test")
	assert.True(t, open(r))
}
