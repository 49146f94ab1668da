package permissions

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clk-66/concord/internal/db"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func seedServer(t *testing.T, database *sql.DB) {
	t.Helper()
	now := time.Now().UTC()
	for _, u := range []string{"owner", "member"} {
		_, err := database.Exec(
			`INSERT INTO users (id, username, display_name, password_hash, created_at) VALUES (?, ?, ?, 'x', ?)`,
			u, u, u, now)
		require.NoError(t, err)
	}
	_, err := database.Exec(
		`INSERT INTO servers (id, name, owner_id, created_at) VALUES ('s1', 'Test', 'owner', ?)`, now)
	require.NoError(t, err)
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	seedServer(t, database)
	store := NewSQLStore(database)

	owner, found, err := store.ServerOwner(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "owner", owner)

	_, found, err = store.ServerOwner(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = store.EveryonePermissions(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)

	everyone, err := store.CreateRole(ctx, NewRole{ServerID: "s1", Name: EveryoneRoleName, Permissions: []Permission{ViewChannel}})
	require.NoError(t, err)
	mod, err := store.CreateRole(ctx, NewRole{
		ServerID:    "s1",
		Name:        "Mod",
		Color:       ptr("#fff"),
		Permissions: []Permission{ManageMessages, KickMembers, KickMembers},
	})
	require.NoError(t, err)

	perms, found, err := store.EveryonePermissions(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []Permission{ViewChannel}, perms)

	perms, err = store.RolePermissions(ctx, mod.ID)
	require.NoError(t, err)
	assert.Equal(t, []Permission{KickMembers, ManageMessages}, perms)

	ref, found, err := store.Role(ctx, mod.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "s1", ref.ServerID)
	assert.Equal(t, "Mod", ref.Name)
	assert.NotEqual(t, everyone.ID, mod.ID)

	_, err = database.Exec(
		`INSERT INTO members (id, user_id, server_id, role_id, joined_at) VALUES ('m1', 'member', 's1', ?, ?)`,
		mod.ID, time.Now().UTC())
	require.NoError(t, err)

	m, found, err := store.Membership(ctx, "member", "s1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, m.RoleID)
	assert.Equal(t, mod.ID, *m.RoleID)

	_, found, err = store.Membership(ctx, "owner", "s1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.ReplaceRolePermissions(ctx, mod.ID, []Permission{SendMessages}))
	perms, err = store.RolePermissions(ctx, mod.ID)
	require.NoError(t, err)
	assert.Equal(t, []Permission{SendMessages}, perms)

	require.NoError(t, store.ReplaceRolePermissions(ctx, mod.ID, nil))
	perms, err = store.RolePermissions(ctx, mod.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)
	assert.NotNil(t, perms)

	assert.ErrorIs(t, store.ReplaceRolePermissions(ctx, "ghost", []Permission{SendMessages}), ErrRoleNotFound)

	_, err = store.CreateRole(ctx, NewRole{ServerID: "missing", Name: "X"})
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestResolverOverSQLStore(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	seedServer(t, database)
	r := NewResolver(NewSQLStore(database))

	_, _, err := r.CreateRoleWithPermissions(ctx, "s1", EveryoneRoleName, []Permission{ViewChannel, ReadMessageHistory}, nil)
	require.NoError(t, err)
	_, err = database.Exec(
		`INSERT INTO members (id, user_id, server_id, joined_at) VALUES ('m1', 'member', 's1', ?)`, time.Now().UTC())
	require.NoError(t, err)

	got, err := r.UserPermissions(ctx, "member", "s1")
	require.NoError(t, err)
	assert.Equal(t, NewSet(ViewChannel, ReadMessageHistory), got)

	got, err = r.UserPermissions(ctx, "owner", "s1")
	require.NoError(t, err)
	assert.Equal(t, FullSet(), got)
}

func TestReplaceRolePermissionsRollsBackOnInsertFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM roles WHERE id = ?`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM role_permissions WHERE role_id = ?`)).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO role_permissions (role_id, permission) VALUES (?, ?)`)).
		WithArgs("r1", "SEND_MESSAGES").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = NewSQLStore(conn).ReplaceRolePermissions(context.Background(), "r1", []Permission{SendMessages})
	assert.EqualError(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRoleRollsBackOnInsertFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM servers WHERE id = ?`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO roles`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO role_permissions`)).
		WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	_, err = NewSQLStore(conn).CreateRole(context.Background(), NewRole{
		ServerID:    "s1",
		Name:        "Mod",
		Permissions: []Permission{ManageMessages},
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
