// Package seed loads demo data into an empty database.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/clk-66/concord/internal/auth"
	"github.com/clk-66/concord/internal/channels"
	"github.com/clk-66/concord/internal/members"
	"github.com/clk-66/concord/internal/permissions"
	"github.com/clk-66/concord/internal/servers"
)

// DemoPassword is shared by every seeded account.
const DemoPassword = "password123"

var demoUsers = []auth.RegisterInput{
	{Username: "alice", Email: "alice@example.com", DisplayName: "Alice"},
	{Username: "bob", Email: "bob@example.com", DisplayName: "Bob"},
	{Username: "carol", Email: "carol@example.com", DisplayName: "Carol"},
}

type Deps struct {
	DB       *sql.DB
	Auth     *auth.Service
	Servers  *servers.Service
	Members  *members.Service
	Channels *channels.Service
	Resolver *permissions.Resolver
}

// Demo seeds three users and a public server owned by the first, with an
// Admin role for the second and a Member role for the third. It does
// nothing when any user already exists.
func Demo(ctx context.Context, d Deps) error {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM users`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		slog.Info("seed skipped: database not empty")
		return nil
	}

	ids := make([]string, len(demoUsers))
	for i, in := range demoUsers {
		in.Password = DemoPassword
		user, _, err := d.Auth.Register(ctx, in)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", in.Username, err)
		}
		ids[i] = user.ID
	}

	desc := "A general purpose server"
	srv, err := d.Servers.Create(ctx, servers.CreateServerInput{
		Name:        "General Server",
		Description: &desc,
		IsPublic:    true,
		OwnerID:     ids[0],
	})
	if err != nil {
		return fmt.Errorf("seed server: %w", err)
	}

	admin, _, err := d.Resolver.CreateRoleWithPermissions(ctx, srv.ID, "Admin",
		permissions.DefaultsFor(permissions.TierAdmin), ptr("#e74c3c"))
	if err != nil {
		return fmt.Errorf("seed admin role: %w", err)
	}
	member, _, err := d.Resolver.CreateRoleWithPermissions(ctx, srv.ID, "Member",
		permissions.DefaultsFor(permissions.TierEveryone), ptr("#95a5a6"))
	if err != nil {
		return fmt.Errorf("seed member role: %w", err)
	}

	for i, roleID := range map[int]string{1: admin.ID, 2: member.ID} {
		if err := members.Add(ctx, d.DB, srv.ID, ids[i], time.Now().UTC()); err != nil {
			return fmt.Errorf("seed membership: %w", err)
		}
		if _, err := d.Members.AssignRole(ctx, srv.ID, ids[i], roleID); err != nil {
			return fmt.Errorf("seed role assignment: %w", err)
		}
	}

	if _, err := d.Channels.CreateMessage(ctx, srv.Channels[0].ID, ids[0], "Welcome to General Server!"); err != nil {
		return fmt.Errorf("seed message: %w", err)
	}

	slog.Info("seeded demo data", "server_id", srv.ID, "users", len(ids), "password", DemoPassword)
	return nil
}

func ptr(s string) *string { return &s }
