// Package api assembles services, handlers and the HTTP route table.
package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/auth"
	"github.com/clk-66/concord/internal/channels"
	"github.com/clk-66/concord/internal/config"
	"github.com/clk-66/concord/internal/directmessages"
	"github.com/clk-66/concord/internal/hub"
	"github.com/clk-66/concord/internal/invites"
	"github.com/clk-66/concord/internal/members"
	mw "github.com/clk-66/concord/internal/middleware"
	"github.com/clk-66/concord/internal/permissions"
	"github.com/clk-66/concord/internal/respond"
	"github.com/clk-66/concord/internal/roles"
	"github.com/clk-66/concord/internal/servers"
)

// App holds the wired application. Hub.Run must be started by the caller.
type App struct {
	Router   http.Handler
	Hub      *hub.Hub
	Tokens   *auth.TokenIssuer
	Resolver *permissions.Resolver

	Auth     *auth.Service
	Servers  *servers.Service
	Members  *members.Service
	Channels *channels.Service
}

// audience resolves gateway recipients from persisted memberships.
type audience struct {
	*members.Service
	*channels.Visibility
}

// New wires every component over database. ctx bounds background work such
// as the rate limiter's sweeper.
func New(ctx context.Context, database *sql.DB, cfg *config.Config) *App {
	resolver := permissions.NewResolver(permissions.NewSQLStore(database))
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)

	app := &App{
		Tokens:   tokens,
		Resolver: resolver,
		Auth:     auth.NewService(database, tokens, cfg.RefreshTokenTTL),
		Servers:  servers.NewService(database),
		Members:  members.NewService(database),
		Channels: channels.NewService(database),
	}
	visibility := channels.NewVisibility(app.Channels, app.Members, resolver)
	app.Hub = hub.NewHub(cfg.Domain, audience{app.Members, visibility})

	gates := mw.NewGates(resolver)
	limiter := mw.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)

	authHandler := auth.NewHandler(app.Auth, func(r *http.Request) string { return mw.UserID(r.Context()) })
	serversHandler := servers.NewHandler(app.Servers, visibility, app.Hub)
	membersHandler := members.NewHandler(app.Members, resolver, app.Hub)
	channelsHandler := channels.NewHandler(app.Channels, resolver, visibility, app.Hub)
	rolesHandler := roles.NewHandler(roles.NewService(database, resolver), app.Hub)
	dmHandler := directmessages.NewHandler(directmessages.NewService(database), app.Hub)
	invitesHandler := invites.NewHandler(invites.NewService(database), app.Hub)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Health probe, no auth.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Use(limiter.Handler)
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
	})

	// Browsers cannot set headers on WebSocket upgrades, so the access token
	// travels as ?token=.
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		claims, err := tokens.Verify(r.URL.Query().Get("token"))
		if errors.Is(err, auth.ErrAccessExpired) {
			respond.Error(w, r, apperr.Unauthorized("TOKEN_EXPIRED", "Access token expired"))
			return
		}
		if err != nil {
			respond.Error(w, r, apperr.Unauthorized("TOKEN_REQUIRED", "A valid access token is required"))
			return
		}
		app.Hub.ServeWS(w, r, claims.UserID, claims.Username)
	})

	r.Get("/invites/{token}", invitesHandler.GetPreview)

	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(tokens))

		// Role routes authenticate optionally; the gates report missing
		// identity themselves.
		r.Route("/roles", func(r chi.Router) {
			r.Get("/system/permissions", rolesHandler.SystemPermissions)
			r.With(gates.AttachPermissions).Get("/", rolesHandler.List)
			r.With(gates.RequireOne(permissions.ManageRoles)).Post("/", rolesHandler.Create)
			r.With(gates.AttachPermissions).Get("/{id}", rolesHandler.Get)
			r.With(gates.RequireRoleManagement()).Put("/{id}", rolesHandler.Update)
			r.With(gates.RequireRoleManagement()).Delete("/{id}", rolesHandler.Delete)
			r.With(gates.AttachPermissions).Get("/{id}/permissions", rolesHandler.GetPermissions)
			r.With(gates.RequireRoleManagement()).Put("/{id}/permissions", rolesHandler.UpdatePermissions)
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.RequireAuth)

			r.Get("/users/@me", authHandler.Me)
			r.Get("/users/{userId}", authHandler.GetUser)

			r.Get("/servers", serversHandler.List)
			r.Post("/servers", serversHandler.Create)

			r.Route("/servers/{serverId}", func(r chi.Router) {
				r.Get("/", serversHandler.Get)
				r.With(gates.RequireOne(permissions.ManageServer)).Patch("/", serversHandler.Update)
				r.Delete("/", serversHandler.Delete)

				r.Get("/members", membersHandler.List)
				r.Post("/members", membersHandler.Join)
				r.With(gates.RequireOne(permissions.ManageRoles), gates.RequireRoleManagement()).
					Put("/members/{userId}/role", membersHandler.AssignRole)
				r.Delete("/members/{userId}", membersHandler.Remove)

				r.With(gates.RequireOne(permissions.ViewChannel)).Get("/channels", channelsHandler.List)
				r.With(gates.RequireOne(permissions.ManageChannels)).Post("/channels", channelsHandler.Create)

				r.Route("/channels/{channelId}", func(r chi.Router) {
					r.With(gates.RequireOne(permissions.ViewChannel)).Get("/", channelsHandler.Get)
					r.With(gates.RequireOne(permissions.ManageChannels)).Patch("/", channelsHandler.Update)
					r.With(gates.RequireOne(permissions.ManageChannels)).Delete("/", channelsHandler.Delete)

					r.With(gates.RequireOne(permissions.ReadMessageHistory)).Get("/messages", channelsHandler.ListMessages)
					r.With(gates.RequireOne(permissions.SendMessages)).Post("/messages", channelsHandler.CreateMessage)
					r.With(gates.RequireOne(permissions.ViewChannel)).Patch("/messages/{messageId}", channelsHandler.UpdateMessage)
					r.With(gates.RequireOne(permissions.ViewChannel)).Delete("/messages/{messageId}", channelsHandler.DeleteMessage)
				})

				r.With(gates.RequireOne(permissions.CreateInvite)).Get("/invites", invitesHandler.List)
				r.With(gates.RequireOne(permissions.CreateInvite)).Post("/invites", invitesHandler.Create)
				r.With(gates.RequireOne(permissions.ManageServer)).Delete("/invites/{token}", invitesHandler.Revoke)
			})

			r.Post("/invites/{token}/use", invitesHandler.Use)

			r.Get("/dm/conversations", dmHandler.Conversations)
			r.Post("/dm", dmHandler.Send)
			r.Get("/dm/{id}", dmHandler.Between)
			r.Put("/dm/{id}", dmHandler.Update)
			r.Delete("/dm/{id}", dmHandler.Delete)
		})
	})

	app.Router = r
	return app
}
