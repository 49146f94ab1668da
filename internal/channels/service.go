package channels

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clk-66/concord/internal/pagination"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrMessageNotFound = errors.New("message not found")
)

// ---- Domain types --------------------------------------------------------

type Channel struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"serverId"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatedAt   time.Time `json:"createdAt"`
}

type AuthorSummary struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	Avatar      *string `json:"avatar"`
}

type Message struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channelId"`
	Author    AuthorSummary `json:"author"`
	Content   string        `json:"content"`
	Edited    bool          `json:"edited"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// ---- Service -------------------------------------------------------------

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// List returns serverID's channels in creation order. Private channels are
// left out unless includePrivate is set.
func (s *Service) List(ctx context.Context, serverID string, includePrivate bool) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, name, description, is_private, created_at
		FROM channels
		WHERE server_id = ? AND (is_private = 0 OR ?)
		ORDER BY created_at ASC, id ASC
	`, serverID, includePrivate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ch)
	}
	return list, rows.Err()
}

// Get returns a channel of serverID. Channels of other servers are reported
// as missing.
func (s *Service) Get(ctx context.Context, serverID, id string) (*Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, `
		SELECT id, server_id, name, description, is_private, created_at
		FROM channels WHERE id = ? AND server_id = ?
	`, id, serverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

type CreateChannelInput struct {
	ServerID    string
	Name        string
	Description *string
	IsPrivate   bool
}

func (s *Service) Create(ctx context.Context, in CreateChannelInput) (*Channel, error) {
	ch := &Channel{
		ID:          uuid.NewString(),
		ServerID:    in.ServerID,
		Name:        in.Name,
		Description: in.Description,
		IsPrivate:   in.IsPrivate,
		CreatedAt:   s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, server_id, name, description, is_private, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ch.ID, ch.ServerID, ch.Name, nullStr(ch.Description), ch.IsPrivate, ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// UpdateChannelInput uses pointer fields so PATCH can distinguish "not
// supplied" (nil) from "explicitly cleared" (pointer to empty string).
type UpdateChannelInput struct {
	Name        *string
	Description *string // "" to clear
	IsPrivate   *bool
}

func (s *Service) Update(ctx context.Context, serverID, id string, in UpdateChannelInput) (*Channel, error) {
	ch, err := s.Get(ctx, serverID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil && *in.Name != "" {
		ch.Name = *in.Name
	}
	if in.Description != nil {
		ch.Description = in.Description
		if *in.Description == "" {
			ch.Description = nil
		}
	}
	if in.IsPrivate != nil {
		ch.IsPrivate = *in.IsPrivate
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE channels SET name = ?, description = ?, is_private = ? WHERE id = ?`,
		ch.Name, nullStr(ch.Description), ch.IsPrivate, ch.ID,
	)
	return ch, err
}

func (s *Service) Delete(ctx context.Context, serverID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ? AND server_id = ?`, id, serverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Lookup returns a channel by id alone.
func (s *Service) Lookup(ctx context.Context, id string) (*Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, `
		SELECT id, server_id, name, description, is_private, created_at
		FROM channels WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ---- Messages ------------------------------------------------------------

const messageSelect = `
	SELECT m.id, m.channel_id, m.content, m.edited, m.created_at, m.updated_at,
	       u.id, u.username, u.display_name, u.avatar
	FROM messages m
	JOIN users u ON u.id = m.author_id`

// ListMessages returns one page of a channel's history. Page 1 holds the
// newest messages; each page is in chronological order.
func (s *Service) ListMessages(ctx context.Context, channelID string, page pagination.Params) ([]Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE channel_id = ?`, channelID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.channel_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?
	`, channelID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Query returned DESC; reverse to chronological ASC for the client.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, total, nil
}

func (s *Service) GetMessage(ctx context.Context, channelID, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+`
		WHERE m.id = ? AND m.channel_id = ?
	`, id, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Service) CreateMessage(ctx context.Context, channelID, authorID, content string) (*Message, error) {
	id := uuid.NewString()
	now := s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, author_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, channelID, authorID, content, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, channelID, id)
}

func (s *Service) UpdateMessage(ctx context.Context, channelID, id, content string) (*Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited = 1, updated_at = ? WHERE id = ? AND channel_id = ?`,
		content, s.now(), id, channelID,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrMessageNotFound
	}
	return s.GetMessage(ctx, channelID, id)
}

func (s *Service) DeleteMessage(ctx context.Context, channelID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND channel_id = ?`, id, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ---- Internal helpers ----------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(sc scanner) (Channel, error) {
	var ch Channel
	var desc sql.NullString
	if err := sc.Scan(&ch.ID, &ch.ServerID, &ch.Name, &desc, &ch.IsPrivate, &ch.CreatedAt); err != nil {
		return Channel{}, err
	}
	if desc.Valid {
		ch.Description = &desc.String
	}
	return ch, nil
}

func scanMessage(sc scanner) (Message, error) {
	var msg Message
	var avatar sql.NullString
	if err := sc.Scan(
		&msg.ID, &msg.ChannelID, &msg.Content, &msg.Edited, &msg.CreatedAt, &msg.UpdatedAt,
		&msg.Author.ID, &msg.Author.Username, &msg.Author.DisplayName, &avatar,
	); err != nil {
		return Message{}, err
	}
	if avatar.Valid {
		msg.Author.Avatar = &avatar.String
	}
	return msg, nil
}

// nullStr converts a *string to sql.NullString. An empty-string pointer is
// treated as NULL.
func nullStr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
