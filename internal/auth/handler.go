package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clk-66/concord/internal/apperr"
	"github.com/clk-66/concord/internal/respond"
)

// CurrentUser returns the authenticated user id of a request. It is supplied
// by the router so this package does not depend on the middleware.
type CurrentUser func(r *http.Request) string

// Handler wires HTTP requests to the auth Service.
type Handler struct {
	svc         *Service
	currentUser CurrentUser
}

func NewHandler(svc *Service, currentUser CurrentUser) *Handler {
	return &Handler{svc: svc, currentUser: currentUser}
}

type sessionResponse struct {
	User *User `json:"user"`
	*TokenPair
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username    string `json:"username"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	body.Email = strings.TrimSpace(body.Email)
	if body.Username == "" || body.Password == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "Username and password are required"))
		return
	}
	if len(body.Password) < 6 {
		respond.Error(w, r, apperr.BadRequest("WEAK_PASSWORD", "Password must be at least 6 characters"))
		return
	}
	if body.Email != "" {
		if _, err := mail.ParseAddress(body.Email); err != nil {
			respond.Error(w, r, apperr.BadRequest("INVALID_EMAIL", "Invalid email address"))
			return
		}
	}

	user, pair, err := h.svc.Register(r.Context(), RegisterInput{
		Username:    body.Username,
		Email:       body.Email,
		DisplayName: body.DisplayName,
		Password:    body.Password,
	})
	if errors.Is(err, ErrUserExists) {
		respond.Error(w, r, apperr.Conflict("USER_EXISTS", "Username or email already taken"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Registration failed", err))
		return
	}

	respond.JSON(w, http.StatusCreated, sessionResponse{User: user, TokenPair: pair})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond.Error(w, r, apperr.BadRequest("INVALID_BODY", "Invalid request body"))
		return
	}
	identifier := body.Username
	if identifier == "" {
		identifier = body.Email
	}
	if identifier == "" || body.Password == "" {
		respond.Error(w, r, apperr.BadRequest("MISSING_REQUIRED_FIELDS", "Username or email and password are required"))
		return
	}

	user, pair, err := h.svc.Login(r.Context(), identifier, body.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		respond.Error(w, r, apperr.Unauthorized("INVALID_CREDENTIALS", "Invalid username or password"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Login failed", err))
		return
	}

	respond.JSON(w, http.StatusOK, sessionResponse{User: user, TokenPair: pair})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		respond.Error(w, r, apperr.BadRequest("TOKEN_REQUIRED", "refreshToken is required"))
		return
	}

	pair, err := h.svc.Refresh(r.Context(), body.RefreshToken)
	if errors.Is(err, ErrTokenExpired) {
		respond.Error(w, r, apperr.Unauthorized("TOKEN_EXPIRED", "Refresh token expired or invalid"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Token refresh failed", err))
		return
	}

	respond.JSON(w, http.StatusOK, pair)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	h.writeUser(w, r, h.currentUser(r))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	h.writeUser(w, r, chi.URLParam(r, "userId"))
}

func (h *Handler) writeUser(w http.ResponseWriter, r *http.Request, id string) {
	user, err := h.svc.GetUser(r.Context(), id)
	if errors.Is(err, ErrUserNotFound) {
		respond.Error(w, r, apperr.NotFound("User"))
		return
	}
	if err != nil {
		respond.Error(w, r, apperr.Internal("Failed to load user", err))
		return
	}
	// Email is private to its owner.
	if user.ID != h.currentUser(r) {
		user.Email = nil
	}
	respond.JSON(w, http.StatusOK, user)
}
