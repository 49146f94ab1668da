package members

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clk-66/concord/internal/db"
	"github.com/clk-66/concord/internal/pagination"
)

var (
	ErrNotMember      = errors.New("user is not a member of this server")
	ErrAlreadyMember  = errors.New("user is already a member of this server")
	ErrServerNotFound = errors.New("server not found")
	ErrNotPublic      = errors.New("server is not public")
	ErrRoleNotFound   = errors.New("role not found in this server")
	ErrOwner          = errors.New("the server owner cannot be removed")
)

type RoleSummary struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

type Member struct {
	ID          string       `json:"id"`
	ServerID    string       `json:"serverId"`
	UserID      string       `json:"userId"`
	Username    string       `json:"username"`
	DisplayName string       `json:"displayName"`
	Avatar      *string      `json:"avatar"`
	Nick        *string      `json:"nick"`
	Role        *RoleSummary `json:"role"`
	IsOwner     bool         `json:"isOwner"`
	JoinedAt    time.Time    `json:"joinedAt"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const memberSelect = `
	SELECT m.id, m.server_id, u.id, u.username, u.display_name, u.avatar, m.nick,
	       r.id, r.name, r.color, s.owner_id = u.id, m.joined_at
	FROM members m
	JOIN users u ON u.id = m.user_id
	JOIN servers s ON s.id = m.server_id
	LEFT JOIN roles r ON r.id = m.role_id`

// List returns one page of serverID's members in join order.
func (s *Service) List(ctx context.Context, serverID string, page pagination.Params) ([]Member, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM members WHERE server_id = ?`, serverID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, memberSelect+`
		WHERE m.server_id = ?
		ORDER BY m.joined_at ASC, m.id ASC
		LIMIT ? OFFSET ?
	`, serverID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list := []Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, m)
	}
	return list, total, rows.Err()
}

// Get returns a single member, used for MEMBER_UPDATE broadcasts.
func (s *Service) Get(ctx context.Context, serverID, userID string) (*Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, memberSelect+`
		WHERE m.server_id = ? AND m.user_id = ?
	`, serverID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) IsMember(ctx context.Context, serverID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM members WHERE server_id = ? AND user_id = ?`, serverID, userID,
	).Scan(&n)
	return n > 0, err
}

// Join adds userID to a public server.
func (s *Service) Join(ctx context.Context, serverID, userID string) (*Member, error) {
	var isPublic bool
	err := s.db.QueryRowContext(ctx, `SELECT is_public FROM servers WHERE id = ?`, serverID).Scan(&isPublic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	if !isPublic {
		return nil, ErrNotPublic
	}
	if err := Add(ctx, s.db, serverID, userID, s.now()); err != nil {
		return nil, err
	}
	return s.Get(ctx, serverID, userID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Add inserts a membership without a role. e is normally the caller's
// transaction.
func Add(ctx context.Context, e execer, serverID, userID string, joinedAt time.Time) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO members (id, user_id, server_id, joined_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), userID, serverID, joinedAt,
	)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyMember
	}
	return err
}

// CurrentRole returns the id of the role userID holds in serverID, if any.
func (s *Service) CurrentRole(ctx context.Context, serverID, userID string) (*string, error) {
	var roleID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT role_id FROM members WHERE server_id = ? AND user_id = ?`, serverID, userID,
	).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotMember
	}
	if err != nil || !roleID.Valid {
		return nil, err
	}
	return &roleID.String, nil
}

// AssignRole gives userID exactly one role in serverID, replacing any
// previous one.
func (s *Service) AssignRole(ctx context.Context, serverID, userID, roleID string) (*Member, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM roles WHERE id = ? AND server_id = ?`, roleID, serverID,
	).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrRoleNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET role_id = ? WHERE server_id = ? AND user_id = ?`,
		roleID, serverID, userID,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotMember
	}
	return s.Get(ctx, serverID, userID)
}

// Remove deletes a membership. The owner cannot leave or be kicked.
func (s *Service) Remove(ctx context.Context, serverID, userID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM servers WHERE id = ?`, serverID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrServerNotFound
	}
	if err != nil {
		return err
	}
	if owner == userID {
		return ErrOwner
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM members WHERE server_id = ? AND user_id = ?`, serverID, userID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	return nil
}

// ServerMemberIDs lists the user ids of every member of serverID.
func (s *Service) ServerMemberIDs(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM members WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(sc scanner) (Member, error) {
	var m Member
	var avatar, nick, roleID, roleName, roleColor sql.NullString
	if err := sc.Scan(
		&m.ID, &m.ServerID, &m.UserID, &m.Username, &m.DisplayName, &avatar, &nick,
		&roleID, &roleName, &roleColor, &m.IsOwner, &m.JoinedAt,
	); err != nil {
		return Member{}, err
	}
	if avatar.Valid {
		m.Avatar = &avatar.String
	}
	if nick.Valid {
		m.Nick = &nick.String
	}
	if roleID.Valid {
		m.Role = &RoleSummary{ID: roleID.String, Name: roleName.String}
		if roleColor.Valid {
			m.Role.Color = &roleColor.String
		}
	}
	return m, nil
}
