package servers

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clk-66/concord/internal/pagination"
	"github.com/clk-66/concord/internal/permissions"
)

var (
	ErrNotFound = errors.New("server not found")
	ErrNotOwner = errors.New("only the owner can do this")
)

// DefaultChannelName is the text channel every new server starts with.
const DefaultChannelName = "general"

type Server struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  *string   `json:"description"`
	Icon         *string   `json:"icon"`
	IsPublic     bool      `json:"isPublic"`
	OwnerID      string    `json:"ownerId"`
	CreatedAt    time.Time `json:"createdAt"`
	ChannelCount int       `json:"channelCount"`
	MemberCount  int       `json:"memberCount"`
}

type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ServerDetail is a server with its channels.
type ServerDetail struct {
	Server
	Channels []Channel `json:"channels"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const serverColumns = `
	s.id, s.name, s.description, s.icon, s.is_public, s.owner_id, s.created_at,
	(SELECT COUNT(1) FROM channels c WHERE c.server_id = s.id),
	(SELECT COUNT(1) FROM members m WHERE m.server_id = s.id)`

// List returns the servers userID can see (public ones and those it belongs
// to), newest first.
func (s *Service) List(ctx context.Context, userID string, page pagination.Params) ([]Server, int, error) {
	const visible = `
		s.is_public = 1
		OR EXISTS (SELECT 1 FROM members m WHERE m.server_id = s.id AND m.user_id = ?)`

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM servers s WHERE `+visible, userID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serverColumns+`
		FROM servers s
		WHERE `+visible+`
		ORDER BY s.created_at DESC, s.id ASC
		LIMIT ? OFFSET ?
	`, userID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list := []Server{}
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, srv)
	}
	return list, total, rows.Err()
}

// Get returns the server if userID may see it. Private servers are reported
// as missing to non-members. Private channels are left out unless
// includePrivate is set.
func (s *Service) Get(ctx context.Context, id, userID string, includePrivate bool) (*ServerDetail, error) {
	srv, err := scanServer(s.db.QueryRowContext(ctx, `
		SELECT `+serverColumns+`
		FROM servers s
		WHERE s.id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if !srv.IsPublic && srv.OwnerID != userID {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM members WHERE server_id = ? AND user_id = ?`, id, userID,
		).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrNotFound
		}
	}

	detail := &ServerDetail{Server: srv, Channels: []Channel{}}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, is_private, created_at
		FROM channels
		WHERE server_id = ? AND (is_private = 0 OR ?)
		ORDER BY created_at ASC, id ASC
	`, id, includePrivate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c Channel
		var desc sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.IsPrivate, &c.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			c.Description = &desc.String
		}
		detail.Channels = append(detail.Channels, c)
	}
	return detail, rows.Err()
}

type CreateServerInput struct {
	Name        string
	Description *string
	Icon        *string
	IsPublic    bool
	OwnerID     string
}

// Create makes a server together with its @everyone role, the owner's
// membership and a default text channel.
func (s *Service) Create(ctx context.Context, in CreateServerInput) (*ServerDetail, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	srv := Server{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		Icon:        in.Icon,
		IsPublic:    in.IsPublic,
		OwnerID:     in.OwnerID,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO servers (id, name, description, icon, is_public, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, srv.ID, srv.Name, srv.Description, srv.Icon, srv.IsPublic, srv.OwnerID, now); err != nil {
		return nil, err
	}

	everyoneID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roles (id, server_id, name, created_at) VALUES (?, ?, ?, ?)`,
		everyoneID, srv.ID, permissions.EveryoneRoleName, now,
	); err != nil {
		return nil, err
	}
	if err := permissions.InsertPermissions(ctx, tx, everyoneID, permissions.DefaultsFor(permissions.TierEveryone)); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO members (id, user_id, server_id, joined_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), srv.OwnerID, srv.ID, now,
	); err != nil {
		return nil, err
	}

	general := Channel{ID: uuid.NewString(), Name: DefaultChannelName, CreatedAt: now}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channels (id, server_id, name, created_at) VALUES (?, ?, ?, ?)`,
		general.ID, srv.ID, general.Name, now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	srv.ChannelCount = 1
	srv.MemberCount = 1
	return &ServerDetail{Server: srv, Channels: []Channel{general}}, nil
}

// UpdateServerInput uses pointer fields so absent fields stay untouched.
type UpdateServerInput struct {
	Name        *string
	Description *string
	Icon        *string
	IsPublic    *bool
}

func (s *Service) Update(ctx context.Context, id string, in UpdateServerInput) (*Server, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET
			name        = COALESCE(?, name),
			description = COALESCE(?, description),
			icon        = COALESCE(?, icon),
			is_public   = COALESCE(?, is_public)
		WHERE id = ?
	`, in.Name, in.Description, in.Icon, in.IsPublic, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	srv, err := scanServer(s.db.QueryRowContext(ctx, `
		SELECT `+serverColumns+` FROM servers s WHERE s.id = ?
	`, id))
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

// Delete removes the server and everything scoped to it. Only the owner may
// delete. It returns the ids of the users who were members.
func (s *Service) Delete(ctx context.Context, id, userID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT owner_id FROM servers WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, ErrNotOwner
	}

	rows, err := tx.QueryContext(ctx, `SELECT user_id FROM members WHERE server_id = ?`, id)
	if err != nil {
		return nil, err
	}
	var members []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, err
		}
		members = append(members, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Roles, members, channels, messages and invites cascade.
	if _, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return members, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(sc scanner) (Server, error) {
	var srv Server
	var desc, icon sql.NullString
	if err := sc.Scan(
		&srv.ID, &srv.Name, &desc, &icon, &srv.IsPublic, &srv.OwnerID, &srv.CreatedAt,
		&srv.ChannelCount, &srv.MemberCount,
	); err != nil {
		return Server{}, err
	}
	if desc.Valid {
		srv.Description = &desc.String
	}
	if icon.Valid {
		srv.Icon = &icon.String
	}
	return srv, nil
}
