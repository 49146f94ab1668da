package permissions

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EveryoneRoleName is the implicit default role every server carries.
const EveryoneRoleName = "@everyone"

var (
	ErrRoleNotFound   = errors.New("role not found")
	ErrServerNotFound = errors.New("server not found")
)

// RoleRef is the slice of a role the resolver needs for hierarchy checks.
type RoleRef struct {
	ID        string
	ServerID  string
	Name      string
	CreatedAt time.Time
}

// Outranks reports whether r sits above other in the role hierarchy.
// Earlier creation wins; identical timestamps fall back to the smaller id.
func (r RoleRef) Outranks(other RoleRef) bool {
	if r.CreatedAt.Equal(other.CreatedAt) {
		return r.ID < other.ID
	}
	return r.CreatedAt.Before(other.CreatedAt)
}

// Membership binds a user to a server with an optional role.
type Membership struct {
	UserID   string
	ServerID string
	RoleID   *string
}

// NewRole is the input for Store.CreateRole. Permissions must already be
// validated.
type NewRole struct {
	ServerID    string
	Name        string
	Color       *string
	Permissions []Permission
}

// Store is the persistence the Resolver reads from. Lookups of absent rows
// report found=false rather than an error.
type Store interface {
	ServerOwner(ctx context.Context, serverID string) (ownerID string, found bool, err error)
	Membership(ctx context.Context, userID, serverID string) (m Membership, found bool, err error)
	Role(ctx context.Context, roleID string) (r RoleRef, found bool, err error)
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)
	EveryonePermissions(ctx context.Context, serverID string) (perms []Permission, found bool, err error)
	ReplaceRolePermissions(ctx context.Context, roleID string, perms []Permission) error
	CreateRole(ctx context.Context, in NewRole) (*RoleRef, error)
}

// SQLStore implements Store over the application database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) ServerOwner(ctx context.Context, serverID string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM servers WHERE id = ?`, serverID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func (s *SQLStore) Membership(ctx context.Context, userID, serverID string) (Membership, bool, error) {
	m := Membership{UserID: userID, ServerID: serverID}
	var roleID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT role_id FROM members WHERE user_id = ? AND server_id = ?`, userID, serverID,
	).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, false, nil
	}
	if err != nil {
		return Membership{}, false, err
	}
	if roleID.Valid {
		m.RoleID = &roleID.String
	}
	return m, true, nil
}

func (s *SQLStore) Role(ctx context.Context, roleID string) (RoleRef, bool, error) {
	var r RoleRef
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, name, created_at FROM roles WHERE id = ?`, roleID,
	).Scan(&r.ID, &r.ServerID, &r.Name, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RoleRef{}, false, nil
	}
	if err != nil {
		return RoleRef{}, false, err
	}
	return r, true, nil
}

func (s *SQLStore) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	return queryPermissions(ctx, s.db, roleID)
}

func (s *SQLStore) EveryonePermissions(ctx context.Context, serverID string) ([]Permission, bool, error) {
	var roleID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM roles WHERE server_id = ? AND name = ?`, serverID, EveryoneRoleName,
	).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	perms, err := queryPermissions(ctx, s.db, roleID)
	if err != nil {
		return nil, false, err
	}
	return perms, true, nil
}

// ReplaceRolePermissions swaps the role's whole permission set inside one
// transaction so readers never observe a partial set.
func (s *SQLStore) ReplaceRolePermissions(ctx context.Context, roleID string, perms []Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM roles WHERE id = ?`, roleID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrRoleNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = ?`, roleID); err != nil {
		return err
	}
	if err := insertPermissions(ctx, tx, roleID, perms); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) CreateRole(ctx context.Context, in NewRole) (*RoleRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM servers WHERE id = ?`, in.ServerID).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrServerNotFound
	}

	role := &RoleRef{
		ID:        uuid.NewString(),
		ServerID:  in.ServerID,
		Name:      in.Name,
		CreatedAt: s.now(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roles (id, server_id, name, color, created_at) VALUES (?, ?, ?, ?, ?)`,
		role.ID, role.ServerID, role.Name, nullStr(in.Color), role.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := insertPermissions(ctx, tx, role.ID, in.Permissions); err != nil {
		return nil, err
	}
	return role, tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func queryPermissions(ctx context.Context, q querier, roleID string) ([]Permission, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT permission FROM role_permissions WHERE role_id = ?`, roleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, Permission(p))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	Sort(perms)
	return perms, nil
}

// InsertPermissions writes perms for roleID using e, which is normally a
// transaction owned by the caller.
func InsertPermissions(ctx context.Context, e execer, roleID string, perms []Permission) error {
	return insertPermissions(ctx, e, roleID, perms)
}

func insertPermissions(ctx context.Context, e execer, roleID string, perms []Permission) error {
	for _, p := range Dedupe(perms) {
		if _, err := e.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission) VALUES (?, ?)`,
			roleID, string(p),
		); err != nil {
			return err
		}
	}
	return nil
}

func nullStr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
