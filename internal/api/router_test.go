package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clk-66/concord/internal/config"
	"github.com/clk-66/concord/internal/db"
	"github.com/clk-66/concord/internal/permissions"
)

type testServer struct {
	t   *testing.T
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app := New(ctx, database, &config.Config{
		JWTSecret:       "test-secret",
		Domain:          "localhost",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
	})
	go app.Hub.Run(ctx)

	srv := httptest.NewServer(app.Router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		database.Close()
	})
	return &testServer{t: t, srv: srv}
}

// do sends body as JSON and decodes any JSON response into a generic value.
func (ts *testServer) do(method, path, token string, body any) (int, map[string]any) {
	ts.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(ts.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil {
		if m, ok := raw.(map[string]any); ok {
			out = m
		} else {
			out["_list"] = raw
		}
	}
	return resp.StatusCode, out
}

type account struct {
	id    string
	token string
}

func (ts *testServer) register(username string) account {
	ts.t.Helper()
	code, body := ts.do(http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "hunter22",
	})
	require.Equal(ts.t, http.StatusCreated, code, body)
	user := body["user"].(map[string]any)
	return account{id: user["id"].(string), token: body["accessToken"].(string)}
}

func strList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.(string))
	}
	return out
}

func permStrings(ps []permissions.Permission) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// fixture: alice owns a public server that bob and carol joined.
type fixture struct {
	*testServer
	alice, bob, carol account
	serverID         string
	channelID        string
}

func newFixture(t *testing.T) *fixture {
	ts := newTestServer(t)
	f := &fixture{
		testServer: ts,
		alice:      ts.register("alice"),
		bob:        ts.register("bob"),
		carol:      ts.register("carol"),
	}

	code, body := ts.do(http.MethodPost, "/servers", f.alice.token, map[string]any{"name": "Guild", "isPublic": true})
	require.Equal(t, http.StatusCreated, code, body)
	f.serverID = body["id"].(string)
	channels := body["channels"].([]any)
	require.Len(t, channels, 1)
	f.channelID = channels[0].(map[string]any)["id"].(string)

	for _, a := range []account{f.bob, f.carol} {
		code, body = ts.do(http.MethodPost, "/servers/"+f.serverID+"/members", a.token, nil)
		require.Equal(t, http.StatusCreated, code, body)
	}
	return f
}

func (f *fixture) createRole(name string, perms ...string) string {
	f.t.Helper()
	code, body := f.do(http.MethodPost, "/roles", f.alice.token, map[string]any{
		"name":        name,
		"serverId":    f.serverID,
		"permissions": perms,
	})
	require.Equal(f.t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func (f *fixture) assign(userID, roleID string) {
	f.t.Helper()
	code, body := f.do(http.MethodPut, "/servers/"+f.serverID+"/members/"+userID+"/role", f.alice.token,
		map[string]string{"roleId": roleID})
	require.Equal(f.t, http.StatusOK, code, body)
}

func (f *fixture) everyoneRoleID() string {
	f.t.Helper()
	code, body := f.do(http.MethodGet, "/roles?serverId="+f.serverID, f.alice.token, nil)
	require.Equal(f.t, http.StatusOK, code)
	for _, r := range body["data"].([]any) {
		role := r.(map[string]any)
		if role["name"] == permissions.EveryoneRoleName {
			return role["id"].(string)
		}
	}
	f.t.Fatal("@everyone role not found")
	return ""
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestCreateRoleThenReadPermissions(t *testing.T) {
	f := newFixture(t)
	modID := f.createRole("Mod", "MANAGE_MESSAGES", "MANAGE_ROLES")

	code, body := f.do(http.MethodGet, "/roles/"+modID+"/permissions", f.alice.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, modID, body["roleId"])
	assert.Equal(t, []string{"MANAGE_ROLES", "MANAGE_MESSAGES"}, strList(body["permissions"]))
}

func TestCreateRoleValidation(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(http.MethodPost, "/roles", "", map[string]any{"name": "X", "serverId": f.serverID})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "AUTH_REQUIRED", body["code"])

	code, body = f.do(http.MethodPost, "/roles", f.alice.token, map[string]any{"name": "X"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "SERVER_ID_REQUIRED", body["code"])

	code, body = f.do(http.MethodPost, "/roles", f.bob.token, map[string]any{"name": "X", "serverId": f.serverID})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", body["code"])

	code, body = f.do(http.MethodPost, "/roles", f.alice.token, map[string]any{
		"name": "X", "serverId": f.serverID, "permissions": []string{"SEND_MESSAGES", "FLY"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_PERMISSIONS", body["code"])
	assert.Contains(t, body["details"], "FLY")

	code, body = f.do(http.MethodPost, "/roles", f.alice.token, map[string]any{
		"name": permissions.EveryoneRoleName, "serverId": f.serverID,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "RESERVED_ROLE_NAME", body["code"])
}

func TestRoleHierarchy(t *testing.T) {
	f := newFixture(t)
	modID := f.createRole("Mod", "MANAGE_ROLES", "VIEW_CHANNEL")
	chatterID := f.createRole("Chatter", "SEND_MESSAGES")
	f.assign(f.bob.id, modID)
	f.assign(f.carol.id, chatterID)

	// Carol holds only SEND_MESSAGES.
	code, body := f.do(http.MethodPut, "/roles/"+chatterID+"?serverId="+f.serverID, f.carol.token, map[string]string{"name": "Talker"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ROLE_HIERARCHY_ERROR", body["code"])

	// Bob's Mod role predates Chatter.
	code, body = f.do(http.MethodPut, "/roles/"+chatterID+"?serverId="+f.serverID, f.bob.token, map[string]string{"name": "Talker"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Talker", body["name"])

	code, body = f.do(http.MethodPut, "/roles/"+modID+"?serverId="+f.serverID, f.bob.token, map[string]string{"name": "Boss"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ROLE_HIERARCHY_ERROR", body["code"])

	// Bob may not reassign his own peer level role either.
	code, body = f.do(http.MethodPut, "/servers/"+f.serverID+"/members/"+f.carol.id+"/role", f.bob.token, map[string]string{"roleId": modID})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ROLE_HIERARCHY_ERROR", body["code"])

	code, body = f.do(http.MethodPut, "/roles/"+chatterID+"/permissions?serverId="+f.serverID, f.bob.token,
		map[string]any{"permissions": []string{"SEND_MESSAGES", "ADD_REACTIONS"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, []string{"SEND_MESSAGES", "ADD_REACTIONS"}, strList(body["permissions"]))

	code, body = f.do(http.MethodPut, "/roles/"+chatterID+"/permissions?serverId="+f.serverID, f.bob.token,
		map[string]any{"permissions": "SEND_MESSAGES"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_PERMISSIONS", body["code"])
}

func TestRoleReplacesEveryone(t *testing.T) {
	f := newFixture(t)
	chatterID := f.createRole("Chatter", "SEND_MESSAGES")
	f.assign(f.carol.id, chatterID)

	// Carol lost VIEW_CHANNEL from @everyone by holding a role without it.
	code, body := f.do(http.MethodGet, "/servers/"+f.serverID+"/channels", f.carol.token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", body["code"])

	code, _ = f.do(http.MethodPost, "/servers/"+f.serverID+"/channels/"+f.channelID+"/messages", f.carol.token,
		map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusCreated, code)

	// Bob has no role and keeps @everyone.
	code, body = f.do(http.MethodGet, "/roles?serverId="+f.serverID, f.bob.token, nil)
	require.Equal(t, http.StatusOK, code)
	want := permissions.DefaultsFor(permissions.TierEveryone)
	permissions.Sort(want)
	assert.Equal(t, permStrings(want), strList(body["viewerPermissions"]))
}

func TestDeleteRoles(t *testing.T) {
	f := newFixture(t)
	everyoneID := f.everyoneRoleID()

	code, body := f.do(http.MethodDelete, "/roles/"+everyoneID+"?serverId="+f.serverID, f.alice.token, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "EVERYONE_ROLE", body["code"])

	tempID := f.createRole("Temp", "SEND_MESSAGES")
	f.assign(f.carol.id, tempID)
	code, body = f.do(http.MethodDelete, "/roles/"+tempID+"?serverId="+f.serverID, f.alice.token, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Role deleted successfully", body["message"])

	code, _ = f.do(http.MethodGet, "/roles/"+tempID+"?serverId="+f.serverID, f.alice.token, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// Carol falls back to @everyone.
	code, _ = f.do(http.MethodGet, "/servers/"+f.serverID+"/channels", f.carol.token, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSystemPermissions(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(http.MethodGet, "/roles/system/permissions", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["permissions"], len(permissions.All))
	assert.Len(t, body["categories"], len(permissions.Categories))
}

func TestMembersFlow(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(http.MethodPost, "/servers/"+f.serverID+"/members", f.bob.token, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ALREADY_MEMBER", body["code"])

	code, body = f.do(http.MethodGet, "/servers/"+f.serverID+"/members", f.bob.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 3)

	// Bob lacks KICK_MEMBERS.
	code, body = f.do(http.MethodDelete, "/servers/"+f.serverID+"/members/"+f.carol.id, f.bob.token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", body["code"])

	code, body = f.do(http.MethodDelete, "/servers/"+f.serverID+"/members/"+f.alice.id, f.alice.token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "OWNER_CANNOT_LEAVE", body["code"])

	code, _ = f.do(http.MethodDelete, "/servers/"+f.serverID+"/members/"+f.carol.id, f.carol.token, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = f.do(http.MethodGet, "/servers/"+f.serverID+"/members", f.carol.token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_MEMBER", body["code"])
}

func TestChannelsAndMessages(t *testing.T) {
	f := newFixture(t)
	base := "/servers/" + f.serverID

	code, body := f.do(http.MethodPost, base+"/channels", f.bob.token, map[string]any{"name": "secret"})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = f.do(http.MethodPost, base+"/channels", f.alice.token, map[string]any{"name": "staff", "isPrivate": true})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = f.do(http.MethodGet, base+"/channels", f.bob.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["_list"], 1, "private channels are hidden without MANAGE_CHANNELS")

	code, body = f.do(http.MethodGet, base+"/channels", f.alice.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["_list"], 2)

	msgs := base + "/channels/" + f.channelID + "/messages"
	code, body = f.do(http.MethodPost, msgs, f.bob.token, map[string]string{"content": "hello"})
	require.Equal(t, http.StatusCreated, code, body)
	msgID := body["id"].(string)

	code, body = f.do(http.MethodPost, msgs, f.bob.token, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "MISSING_REQUIRED_FIELDS", body["code"])

	code, body = f.do(http.MethodPost, msgs, f.bob.token, map[string]string{"content": string(bytes.Repeat([]byte("a"), 2001))})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "MESSAGE_TOO_LONG", body["code"])

	code, body = f.do(http.MethodPatch, msgs+"/"+msgID, f.carol.token, map[string]string{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_AUTHOR", body["code"])

	code, body = f.do(http.MethodPatch, msgs+"/"+msgID, f.bob.token, map[string]string{"content": "hello again"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["edited"])

	code, body = f.do(http.MethodGet, msgs, f.carol.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, _ = f.do(http.MethodDelete, msgs+"/"+msgID, f.carol.token, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(http.MethodDelete, msgs+"/"+msgID, f.alice.token, nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestPrivateChannelAccess(t *testing.T) {
	f := newFixture(t)
	base := "/servers/" + f.serverID
	f.assign(f.carol.id, f.createRole("Staff", "VIEW_CHANNEL", "SEND_MESSAGES", "READ_MESSAGE_HISTORY", "MANAGE_CHANNELS"))

	code, body := f.do(http.MethodPost, base+"/channels", f.alice.token, map[string]any{"name": "staff", "isPrivate": true})
	require.Equal(t, http.StatusCreated, code, body)
	private := base + "/channels/" + body["id"].(string)

	channelNames := func(token string) []string {
		code, body := f.do(http.MethodGet, base, token, nil)
		require.Equal(t, http.StatusOK, code, body)
		var names []string
		for _, c := range body["channels"].([]any) {
			names = append(names, c.(map[string]any)["name"].(string))
		}
		return names
	}
	assert.Equal(t, []string{"general"}, channelNames(f.bob.token))
	assert.Equal(t, []string{"general", "staff"}, channelNames(f.carol.token))
	assert.Equal(t, []string{"general", "staff"}, channelNames(f.alice.token))

	code, body = f.do(http.MethodGet, private, f.bob.token, nil)
	assert.Equal(t, http.StatusNotFound, code, body)
	code, _ = f.do(http.MethodGet, private+"/messages", f.bob.token, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(http.MethodPost, private+"/messages", f.bob.token, map[string]string{"content": "let me in"})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(http.MethodPost, private+"/messages", f.carol.token, map[string]string{"content": "staff only"})
	require.Equal(t, http.StatusCreated, code, body)
	code, body = f.do(http.MethodGet, private, f.carol.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "staff", body["name"])
	code, body = f.do(http.MethodGet, private+"/messages", f.alice.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, body = f.do(http.MethodGet, base+"/channels/"+f.channelID, f.bob.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "general", body["name"])
	assert.Equal(t, f.serverID, body["serverId"])

	code, _ = f.do(http.MethodGet, base+"/channels/missing", f.bob.token, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInvites(t *testing.T) {
	f := newFixture(t)
	dave := f.register("dave")
	erin := f.register("erin")

	code, body := f.do(http.MethodPost, "/servers/"+f.serverID+"/invites", f.alice.token, map[string]any{"maxUses": 1})
	require.Equal(t, http.StatusCreated, code, body)
	token := body["token"].(string)

	code, body = f.do(http.MethodGet, "/invites/"+token, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Guild", body["serverName"])
	assert.EqualValues(t, 3, body["memberCount"])

	code, body = f.do(http.MethodPost, "/invites/"+token+"/use", dave.token, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, f.serverID, body["serverId"])

	code, body = f.do(http.MethodPost, "/invites/"+token+"/use", erin.token, nil)
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, "INVITE_EXHAUSTED", body["code"])

	code, _ = f.do(http.MethodPost, "/invites/missing/use", erin.token, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(http.MethodPost, "/servers/"+f.serverID+"/invites", f.alice.token, map[string]any{"maxUses": -1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDirectMessages(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(http.MethodPost, "/dm", f.alice.token, map[string]string{"receiverId": f.bob.id, "content": "psst"})
	require.Equal(t, http.StatusCreated, code, body)
	dmID := body["id"].(string)

	code, body = f.do(http.MethodPost, "/dm", f.alice.token, map[string]string{"receiverId": f.alice.id, "content": "me"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "SELF_MESSAGE", body["code"])

	code, body = f.do(http.MethodGet, "/dm/"+f.alice.id, f.bob.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["_list"], 1)

	code, body = f.do(http.MethodGet, "/dm/conversations", f.bob.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["_list"], 1)

	code, body = f.do(http.MethodPut, "/dm/"+dmID, f.bob.token, map[string]string{"content": "edit"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_SENDER", body["code"])

	code, _ = f.do(http.MethodDelete, "/dm/"+dmID, f.alice.token, nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.register("alice")

	code, body := ts.do(http.MethodPost, "/auth/register", "", map[string]string{"username": "alice", "password": "hunter22"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "USER_EXISTS", body["code"])

	code, body = ts.do(http.MethodPost, "/auth/register", "", map[string]string{"username": "bob", "password": "123"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "WEAK_PASSWORD", body["code"])

	code, body = ts.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@example.com", "password": "hunter22"})
	require.Equal(t, http.StatusOK, code, body)
	access := body["accessToken"].(string)
	refresh := body["refreshToken"].(string)

	code, body = ts.do(http.MethodGet, "/users/@me", access, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "alice@example.com", body["email"])

	code, body = ts.do(http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, code)
	assert.NotEqual(t, refresh, body["refreshToken"])

	code, body = ts.do(http.MethodGet, "/users/@me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "TOKEN_REQUIRED", body["code"])

	code, body = ts.do(http.MethodGet, "/users/@me", "garbage", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "INVALID_TOKEN", body["code"])
}

func TestServerLifecycle(t *testing.T) {
	f := newFixture(t)
	base := "/servers/" + f.serverID

	code, body := f.do(http.MethodPatch, base, f.bob.token, map[string]string{"name": "Mine"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", body["code"])

	code, body = f.do(http.MethodPatch, base, f.alice.token, map[string]string{"name": "Renamed"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Renamed", body["name"])

	code, body = f.do(http.MethodGet, "/servers", f.bob.token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["pagination"].(map[string]any)["total"])

	code, body = f.do(http.MethodDelete, base, f.bob.token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_OWNER", body["code"])

	code, _ = f.do(http.MethodDelete, base, f.alice.token, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(http.MethodGet, base, f.alice.token, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
