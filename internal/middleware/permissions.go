package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/permissions"
	"github.com/clk-66/concord/internal/respond"
)

const maxPeekBody = 1 << 20

var (
	errAuthRequired     = apperr.Unauthorized("AUTH_REQUIRED", "Authentication required")
	errServerIDRequired = apperr.BadRequest("SERVER_ID_REQUIRED", "Server ID is required")
	errMissingFields    = apperr.BadRequest("MISSING_REQUIRED_FIELDS", "Server ID and role ID are required")
	errHierarchy        = apperr.Forbidden("ROLE_HIERARCHY_ERROR", "You cannot manage a role at or above your own")
)

// ServerIDFrom locates the server a request targets. The route parameter
// serverId wins, then a serverId field in a JSON body, then the serverId query
// parameter. The body is restored so handlers can decode it again.
func ServerIDFrom(r *http.Request) string {
	if id := chi.URLParam(r, "serverId"); id != "" {
		return id
	}
	if id := bodyField(r, "serverId"); id != "" {
		return id
	}
	return r.URL.Query().Get("serverId")
}

// RoleIDFrom locates the role a request targets: route roleId, route id,
// then a roleId field in the JSON body.
func RoleIDFrom(r *http.Request) string {
	if id := chi.URLParam(r, "roleId"); id != "" {
		return id
	}
	if id := chi.URLParam(r, "id"); id != "" {
		return id
	}
	return bodyField(r, "roleId")
}

func bodyField(r *http.Request, field string) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody+1))
	if err != nil || len(raw) > maxPeekBody {
		// Too large to inspect. The handler still gets the full stream.
		r.Body = peekedBody{io.MultiReader(bytes.NewReader(raw), r.Body), r.Body}
		return ""
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(raw) == 0 {
		return ""
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(fields[field], &v); err != nil {
		return ""
	}
	return v
}

// peekedBody replays the bytes already read ahead of the rest of the body.
type peekedBody struct {
	io.Reader
	io.Closer
}

// Gates builds authorization middleware around one resolver.
type Gates struct {
	resolver *permissions.Resolver
}

func NewGates(resolver *permissions.Resolver) *Gates {
	return &Gates{resolver: resolver}
}

// RequireOne admits the request only if the caller holds p in the target
// server.
func (g *Gates) RequireOne(p permissions.Permission) func(http.Handler) http.Handler {
	return g.require(func(set permissions.Set) bool { return set.Allows(p) })
}

// RequireAny admits the request if the caller holds at least one of ps.
func (g *Gates) RequireAny(ps ...permissions.Permission) func(http.Handler) http.Handler {
	return g.require(func(set permissions.Set) bool { return set.AllowsAny(ps...) })
}

func (g *Gates) require(allowed func(permissions.Set) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserID(r.Context())
			if userID == "" {
				respond.Error(w, r, errAuthRequired)
				return
			}
			serverID := ServerIDFrom(r)
			if serverID == "" {
				respond.Error(w, r, errServerIDRequired)
				return
			}

			set, err := g.resolver.UserPermissions(r.Context(), userID, serverID)
			if err != nil {
				respond.Error(w, r, &apperr.Error{
					Status:  http.StatusInternalServerError,
					Code:    "PERMISSION_CHECK_ERROR",
					Message: "Failed to check permissions",
					Cause:   err,
				})
				return
			}
			if !allowed(set) {
				respond.Error(w, r, apperr.Forbidden("INSUFFICIENT_PERMISSIONS", "Insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPermissions(r.Context(), set)))
		})
	}
}

// RequireRoleManagement admits the request only if the caller may manage the
// target role under the hierarchy rules.
func (g *Gates) RequireRoleManagement() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserID(r.Context())
			if userID == "" {
				respond.Error(w, r, errAuthRequired)
				return
			}
			serverID := ServerIDFrom(r)
			roleID := RoleIDFrom(r)
			if serverID == "" || roleID == "" {
				respond.Error(w, r, errMissingFields)
				return
			}

			ok, err := g.resolver.CanManageRole(r.Context(), userID, serverID, roleID)
			if err != nil {
				respond.Error(w, r, &apperr.Error{
					Status:  http.StatusInternalServerError,
					Code:    "ROLE_MANAGEMENT_CHECK_ERROR",
					Message: "Failed to check role management permissions",
					Cause:   err,
				})
				return
			}
			if !ok {
				respond.Error(w, r, errHierarchy)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AttachPermissions stores the caller's effective permissions in the request
// context when both a user and a server id are known. It never blocks; lookup
// failures are logged and the request continues without permissions.
func (g *Gates) AttachPermissions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		serverID := ServerIDFrom(r)
		if userID == "" || serverID == "" {
			next.ServeHTTP(w, r)
			return
		}

		set, err := g.resolver.UserPermissions(r.Context(), userID, serverID)
		if err != nil {
			slog.WarnContext(r.Context(), "attach permissions", "user_id", userID, "server_id", serverID, "err", err)
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPermissions(r.Context(), set)))
	})
}

func WithPermissions(ctx context.Context, set permissions.Set) context.Context {
	return context.WithValue(ctx, permissionsKey, set)
}

// Permissions returns the set stored by a gate, if any.
func Permissions(ctx context.Context) (permissions.Set, bool) {
	set, ok := ctx.Value(permissionsKey).(permissions.Set)
	return set, ok
}
