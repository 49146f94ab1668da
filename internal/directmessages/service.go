package directmessages

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrSelfMessage       = errors.New("cannot message yourself")
	ErrNotSender         = errors.New("only the sender can change a message")
)

type UserSummary struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
}

type DirectMessage struct {
	ID        string      `json:"id"`
	Sender    UserSummary `json:"sender"`
	Receiver  UserSummary `json:"receiver"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Conversation summarises the latest exchange with one other user.
type Conversation struct {
	ID              string      `json:"id"`
	OtherUser       UserSummary `json:"otherUser"`
	LastMessage     string      `json:"lastMessage"`
	LastMessageTime time.Time   `json:"lastMessageTime"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const dmSelect = `
	SELECT dm.id, dm.content, dm.created_at, dm.updated_at,
	       s.id, s.username, s.avatar,
	       r.id, r.username, r.avatar
	FROM direct_messages dm
	JOIN users s ON s.id = dm.sender_id
	JOIN users r ON r.id = dm.receiver_id`

// Between returns the messages exchanged by two users, oldest first.
func (s *Service) Between(ctx context.Context, userA, userB string) ([]DirectMessage, error) {
	rows, err := s.db.QueryContext(ctx, dmSelect+`
		WHERE (dm.sender_id = ? AND dm.receiver_id = ?)
		   OR (dm.sender_id = ? AND dm.receiver_id = ?)
		ORDER BY dm.created_at ASC, dm.id ASC
	`, userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []DirectMessage{}
	for rows.Next() {
		m, err := scanDM(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Conversations lists userID's conversations, most recent first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, dmSelect+`
		WHERE dm.sender_id = ? OR dm.receiver_id = ?
		ORDER BY dm.created_at DESC, dm.id DESC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	convs := []Conversation{}
	for rows.Next() {
		m, err := scanDM(rows)
		if err != nil {
			return nil, err
		}
		other := m.Sender
		if other.ID == userID {
			other = m.Receiver
		}
		key := conversationKey(userID, other.ID)
		if seen[key] {
			continue
		}
		seen[key] = true
		convs = append(convs, Conversation{
			ID:              key,
			OtherUser:       other,
			LastMessage:     m.Content,
			LastMessageTime: m.CreatedAt,
		})
	}
	return convs, rows.Err()
}

func (s *Service) Send(ctx context.Context, senderID, receiverID, content string) (*DirectMessage, error) {
	if senderID == receiverID {
		return nil, ErrSelfMessage
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, receiverID).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrRecipientNotFound
	}

	id := uuid.NewString()
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO direct_messages (id, sender_id, receiver_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, senderID, receiverID, content, now, now); err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

// Update edits a message. Only its sender may edit.
func (s *Service) Update(ctx context.Context, id, userID, content string) (*DirectMessage, error) {
	msg, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Sender.ID != userID {
		return nil, ErrNotSender
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE direct_messages SET content = ?, updated_at = ? WHERE id = ?`,
		content, s.now(), id,
	); err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

// Delete removes a message. Only its sender may delete. The deleted message is
// returned so both parties can be notified.
func (s *Service) Delete(ctx context.Context, id, userID string) (*DirectMessage, error) {
	msg, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Sender.ID != userID {
		return nil, ErrNotSender
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM direct_messages WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Service) get(ctx context.Context, id string) (*DirectMessage, error) {
	m, err := scanDM(s.db.QueryRowContext(ctx, dmSelect+` WHERE dm.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// conversationKey is stable regardless of who sent first.
func conversationKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDM(sc scanner) (DirectMessage, error) {
	var m DirectMessage
	var sAvatar, rAvatar sql.NullString
	if err := sc.Scan(
		&m.ID, &m.Content, &m.CreatedAt, &m.UpdatedAt,
		&m.Sender.ID, &m.Sender.Username, &sAvatar,
		&m.Receiver.ID, &m.Receiver.Username, &rAvatar,
	); err != nil {
		return DirectMessage{}, err
	}
	if sAvatar.Valid {
		m.Sender.Avatar = &sAvatar.String
	}
	if rAvatar.Valid {
		m.Receiver.Avatar = &rAvatar.String
	}
	return m, nil
}
