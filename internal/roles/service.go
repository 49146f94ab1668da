package roles

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/clk-66/concord/internal/pagination"
	"github.com/clk-66/concord/internal/permissions"
)

var (
	ErrNotFound       = errors.New("role not found")
	ErrServerNotFound = errors.New("server not found")
	ErrEveryoneRole   = errors.New("cannot delete @everyone role")
	ErrReservedName   = errors.New("role name is reserved")
)

// ---- Domain types --------------------------------------------------------

type Role struct {
	ID          string                   `json:"id"`
	ServerID    string                   `json:"serverId"`
	Name        string                   `json:"name"`
	Color       *string                  `json:"color"`
	CreatedAt   time.Time                `json:"createdAt"`
	Permissions []permissions.Permission `json:"permissions"`
	MemberCount int                      `json:"memberCount"`
}

type RoleMember struct {
	ID       string  `json:"id"`
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
}

type ServerRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

// RoleDetail is a role with the members holding it and its server.
type RoleDetail struct {
	Role
	Members []RoleMember `json:"members"`
	Server  ServerRef    `json:"server"`
}

// ---- Service -------------------------------------------------------------

// Service reads and edits roles. Permission writes go through the resolver so
// validation and ordering stay in one place.
type Service struct {
	db       *sql.DB
	resolver *permissions.Resolver
}

func NewService(db *sql.DB, resolver *permissions.Resolver) *Service {
	return &Service{db: db, resolver: resolver}
}

// List returns one page of serverID's roles, oldest (highest ranked) first,
// together with the total role count.
func (s *Service) List(ctx context.Context, serverID string, page pagination.Params) ([]Role, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM roles WHERE server_id = ?`, serverID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.server_id, r.name, r.color, r.created_at,
		       (SELECT COUNT(1) FROM members m WHERE m.role_id = r.id)
		FROM roles r
		WHERE r.server_id = ?
		ORDER BY r.created_at ASC, r.id ASC
		LIMIT ? OFFSET ?
	`, serverID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	roleList := []Role{}
	roleIndex := map[string]int{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, 0, err
		}
		roleIndex[r.ID] = len(roleList)
		roleList = append(roleList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Permissions for the whole page in one query.
	permRows, err := s.db.QueryContext(ctx, `
		SELECT rp.role_id, rp.permission
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
		WHERE r.server_id = ?
	`, serverID)
	if err != nil {
		return nil, 0, err
	}
	defer permRows.Close()

	for permRows.Next() {
		var roleID, perm string
		if err := permRows.Scan(&roleID, &perm); err != nil {
			return nil, 0, err
		}
		if i, ok := roleIndex[roleID]; ok {
			roleList[i].Permissions = append(roleList[i].Permissions, permissions.Permission(perm))
		}
	}
	if err := permRows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range roleList {
		permissions.Sort(roleList[i].Permissions)
	}
	return roleList, total, nil
}

// Get returns a role with its permissions, holders and server.
func (s *Service) Get(ctx context.Context, id string) (*RoleDetail, error) {
	role, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &RoleDetail{Role: *role, Members: []RoleMember{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id FROM servers WHERE id = ?`, role.ServerID,
	).Scan(&detail.Server.ID, &detail.Server.Name, &detail.Server.OwnerID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, u.id, u.username, u.avatar
		FROM members m
		JOIN users u ON u.id = m.user_id
		WHERE m.role_id = ?
		ORDER BY m.joined_at ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m RoleMember
		var avatar sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username, &avatar); err != nil {
			return nil, err
		}
		if avatar.Valid {
			m.Avatar = &avatar.String
		}
		detail.Members = append(detail.Members, m)
	}
	return detail, rows.Err()
}

type CreateRoleInput struct {
	ServerID    string
	Name        string
	Color       *string
	Permissions []permissions.Permission
}

func (s *Service) Create(ctx context.Context, in CreateRoleInput) (*Role, error) {
	if in.Name == permissions.EveryoneRoleName {
		return nil, ErrReservedName
	}
	ref, perms, err := s.resolver.CreateRoleWithPermissions(ctx, in.ServerID, in.Name, in.Permissions, in.Color)
	if errors.Is(err, permissions.ErrServerNotFound) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	role := &Role{
		ID:          ref.ID,
		ServerID:    ref.ServerID,
		Name:        ref.Name,
		CreatedAt:   ref.CreatedAt,
		Permissions: perms,
	}
	if in.Color != nil && *in.Color != "" {
		role.Color = in.Color
	}
	return role, nil
}

// UpdateRoleInput uses pointer fields so absent fields stay untouched.
type UpdateRoleInput struct {
	Name  *string
	Color *string
}

func (s *Service) Update(ctx context.Context, id string, in UpdateRoleInput) (*Role, error) {
	role, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil && *in.Name != "" && *in.Name != role.Name {
		if role.Name == permissions.EveryoneRoleName || *in.Name == permissions.EveryoneRoleName {
			return nil, ErrReservedName
		}
		role.Name = *in.Name
	}
	if in.Color != nil {
		role.Color = in.Color
		if *in.Color == "" {
			role.Color = nil
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE roles SET name = ?, color = ? WHERE id = ?`,
		role.Name, role.Color, role.ID,
	); err != nil {
		return nil, err
	}
	return role, nil
}

// Delete removes a role. Members holding it fall back to @everyone. It
// returns the server the role belonged to.
func (s *Service) Delete(ctx context.Context, id string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var serverID, name string
	err = tx.QueryRowContext(ctx,
		`SELECT server_id, name FROM roles WHERE id = ?`, id,
	).Scan(&serverID, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if name == permissions.EveryoneRoleName {
		return "", ErrEveryoneRole
	}

	if _, err := tx.ExecContext(ctx, `UPDATE members SET role_id = NULL WHERE role_id = ?`, id); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = ?`, id); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id); err != nil {
		return "", err
	}
	return serverID, tx.Commit()
}

func (s *Service) Permissions(ctx context.Context, id string) ([]permissions.Permission, error) {
	return s.resolver.RolePermissions(ctx, id)
}

// ReplacePermissions sets the role's permissions to exactly perms.
func (s *Service) ReplacePermissions(ctx context.Context, id string, perms []permissions.Permission) ([]permissions.Permission, error) {
	stored, err := s.resolver.AssignPermissionsToRole(ctx, id, perms)
	if errors.Is(err, permissions.ErrRoleNotFound) {
		return nil, ErrNotFound
	}
	return stored, err
}

// ServerOf returns the server a role belongs to.
func (s *Service) ServerOf(ctx context.Context, id string) (string, error) {
	var serverID string
	err := s.db.QueryRowContext(ctx, `SELECT server_id FROM roles WHERE id = ?`, id).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return serverID, err
}

// ---- Internal helpers ----------------------------------------------------

func (s *Service) get(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.server_id, r.name, r.color, r.created_at,
		       (SELECT COUNT(1) FROM members m WHERE m.role_id = r.id)
		FROM roles r
		WHERE r.id = ?
	`, id)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	role.Permissions, err = s.resolver.RolePermissions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &role, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRole(sc scanner) (Role, error) {
	r := Role{Permissions: []permissions.Permission{}}
	var color sql.NullString
	if err := sc.Scan(&r.ID, &r.ServerID, &r.Name, &color, &r.CreatedAt, &r.MemberCount); err != nil {
		return Role{}, err
	}
	if color.Valid {
		r.Color = &color.String
	}
	return r, nil
}
