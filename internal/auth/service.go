package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/clk-66/concord/internal/db"
)

var (
	ErrUserExists         = errors.New("username or email already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrTokenExpired       = errors.New("refresh token expired or invalid")
	ErrUserNotFound       = errors.New("user not found")
)

// User is the public view of an account.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       *string   `json:"email,omitempty"`
	DisplayName string    `json:"displayName"`
	Avatar      *string   `json:"avatar"`
	Bio         *string   `json:"bio"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TokenPair holds the issued access and refresh tokens.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Service handles account and session business logic.
type Service struct {
	db              *sql.DB
	tokens          *TokenIssuer
	refreshTokenTTL time.Duration
}

func NewService(db *sql.DB, tokens *TokenIssuer, refreshTTL time.Duration) *Service {
	return &Service{db: db, tokens: tokens, refreshTokenTTL: refreshTTL}
}

type RegisterInput struct {
	Username    string
	Email       string
	DisplayName string
	Password    string
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, *TokenPair, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}

	user := &User{
		ID:          uuid.NewString(),
		Username:    in.Username,
		DisplayName: in.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	if user.DisplayName == "" {
		user.DisplayName = in.Username
	}
	if in.Email != "" {
		email := in.Email
		user.Email = &email
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, display_name, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.DisplayName, string(hash), user.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, nil, ErrUserExists
		}
		return nil, nil, err
	}

	pair, err := s.issueTokenPair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Login accepts either the username or the email as identifier.
func (s *Service) Login(ctx context.Context, identifier, password string) (*User, *TokenPair, error) {
	var passwordHash string
	user, err := s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, display_name, avatar, bio, created_at, password_hash
		FROM users WHERE username = ? OR email = ?
		LIMIT 1
	`, identifier, identifier), &passwordHash)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issueTokenPair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh rotates a refresh token: the presented token is consumed and a new
// pair issued.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	var tokenID, userID string
	var expiresAt time.Time

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at
		FROM refresh_tokens
		WHERE token_hash = ?
	`, HashToken(rawToken)).Scan(&tokenID, &userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, tokenID); err != nil {
		return nil, err
	}
	if time.Now().After(expiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := s.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}
	return s.issueTokenPair(ctx, user)
}

func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, display_name, avatar, bio, created_at
		FROM users WHERE id = ?
	`, id))
}

// scanUser reads a users row; an optional extra destination receives the
// column that follows created_at.
func (s *Service) scanUser(row *sql.Row, extra ...any) (*User, error) {
	var u User
	var email, avatar, bio sql.NullString
	dest := append([]any{&u.ID, &u.Username, &email, &u.DisplayName, &avatar, &bio, &u.CreatedAt}, extra...)
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = nullable(email)
	u.Avatar = nullable(avatar)
	u.Bio = nullable(bio)
	return &u, nil
}

func (s *Service) issueTokenPair(ctx context.Context, user *User) (*TokenPair, error) {
	accessToken, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return nil, err
	}

	rawRefresh := GenerateRefreshToken()
	expiresAt := time.Now().UTC().Add(s.refreshTokenTTL)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), user.ID, HashToken(rawRefresh), expiresAt,
	)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: rawRefresh,
		ExpiresIn:    int64(s.tokens.TTL().Seconds()),
	}, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
