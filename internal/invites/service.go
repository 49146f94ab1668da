package invites

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"time"

	"github.com/clk-66/concord/internal/members"
)

var (
	ErrNotFound      = errors.New("invite not found")
	ErrExpired       = errors.New("invite has expired")
	ErrExhausted     = errors.New("invite has reached its use limit")
	ErrAlreadyMember = errors.New("already a member of this server")
)

// ---- Domain types --------------------------------------------------------

type Invite struct {
	Token     string     `json:"token"`
	ServerID  string     `json:"serverId"`
	CreatorID string     `json:"creatorId"`
	MaxUses   int        `json:"maxUses"`
	Uses      int        `json:"uses"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// InvitePreview is the public response for the join-preview screen. It
// omits the creator id and joins server metadata.
type InvitePreview struct {
	Token           string     `json:"token"`
	ServerID        string     `json:"serverId"`
	ServerName      string     `json:"serverName"`
	ServerIcon      *string    `json:"serverIcon"`
	MemberCount     int        `json:"memberCount"`
	MaxUses         int        `json:"maxUses"`
	Uses            int        `json:"uses"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	CreatorUsername string     `json:"creatorUsername"`
}

// ---- Service -------------------------------------------------------------

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type CreateInviteInput struct {
	ServerID  string
	CreatorID string
	MaxUses   int        // 0 = unlimited
	ExpiresAt *time.Time // nil = never expires
}

func (s *Service) Create(ctx context.Context, in CreateInviteInput) (*Invite, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	inv := &Invite{
		Token:     token,
		ServerID:  in.ServerID,
		CreatorID: in.CreatorID,
		MaxUses:   in.MaxUses,
		ExpiresAt: in.ExpiresAt,
		CreatedAt: s.now(),
	}
	if inv.ExpiresAt != nil {
		t := inv.ExpiresAt.UTC()
		inv.ExpiresAt = &t
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invites (token, server_id, creator_id, max_uses, uses, expires_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, inv.Token, inv.ServerID, inv.CreatorID, inv.MaxUses, nullTime(inv.ExpiresAt), inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// GetPreview returns the public join-preview data for an invite token.
func (s *Service) GetPreview(ctx context.Context, token string) (*InvitePreview, error) {
	var p InvitePreview
	var expiresAt sql.NullTime
	var serverIcon sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT
			i.token, i.max_uses, i.uses, i.expires_at,
			s.id, s.name, s.icon,
			u.username,
			(SELECT COUNT(*) FROM members m WHERE m.server_id = s.id)
		FROM invites i
		JOIN servers s ON s.id = i.server_id
		JOIN users u ON u.id = i.creator_id
		WHERE i.token = ?
	`, token).Scan(
		&p.Token, &p.MaxUses, &p.Uses, &expiresAt,
		&p.ServerID, &p.ServerName, &serverIcon,
		&p.CreatorUsername,
		&p.MemberCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	if serverIcon.Valid {
		p.ServerIcon = &serverIcon.String
	}
	return &p, nil
}

// Use redeems an invite for userID: the use counter is incremented and the
// membership created in one transaction. It returns the server joined.
func (s *Service) Use(ctx context.Context, token, userID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var serverID string
	var maxUses, uses int
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT server_id, max_uses, uses, expires_at FROM invites WHERE token = ?`, token,
	).Scan(&serverID, &maxUses, &uses, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	now := s.now()
	if expiresAt.Valid && !now.Before(expiresAt.Time) {
		return "", ErrExpired
	}
	if maxUses > 0 && uses >= maxUses {
		return "", ErrExhausted
	}

	if err := members.Add(ctx, tx, serverID, userID, now); err != nil {
		if errors.Is(err, members.ErrAlreadyMember) {
			return "", ErrAlreadyMember
		}
		return "", err
	}

	// The guard on uses keeps the limit even if another writer got in first.
	res, err := tx.ExecContext(ctx, `
		UPDATE invites
		SET    uses = uses + 1
		WHERE  token = ?
		  AND  (max_uses = 0 OR uses < max_uses)
	`, token)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrExhausted
	}
	return serverID, tx.Commit()
}

// List returns a server's invites, newest first.
func (s *Service) List(ctx context.Context, serverID string) ([]Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, server_id, creator_id, max_uses, uses, expires_at, created_at
		FROM invites
		WHERE server_id = ?
		ORDER BY created_at DESC
	`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invites := []Invite{}
	for rows.Next() {
		var inv Invite
		var expiresAt sql.NullTime
		if err := rows.Scan(&inv.Token, &inv.ServerID, &inv.CreatorID,
			&inv.MaxUses, &inv.Uses, &expiresAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			inv.ExpiresAt = &t
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// Revoke deletes the invite identified by token within serverID.
func (s *Service) Revoke(ctx context.Context, serverID, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invites WHERE token = ? AND server_id = ?`, token, serverID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Helpers -------------------------------------------------------------

// generateToken returns a 12-character base64url string (9 random bytes).
func generateToken() (string, error) {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
