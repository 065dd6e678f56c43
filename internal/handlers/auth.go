package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/services"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type ctxKey int

const usernameKey ctxKey = iota

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type revokeRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ID           string `json:"id,omitempty"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// HandleRegister creates an account. It does not sign the user in.
func (m Main) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if msg := validateRegistration(req); msg != "" {
		m.writeError(w, http.StatusBadRequest, msg)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		m.logger.Error("Failed to hash password", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	_, err = m.store.AddUser(r.Context(), models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    m.now().UTC(),
	})
	if errors.Is(err, services.ErrUserExists) {
		m.writeError(w, http.StatusBadRequest, "Username or email is already in use")
		return
	}
	if err != nil {
		m.storeError(w, err, "user")
		return
	}

	m.logger.Info("User registered", slog.String("username", req.Username))
	m.writeJSON(w, http.StatusCreated, messageResponse{Message: "User registered successfully!", Success: true})
}

// HandleLogin checks the credentials and issues an access token and a refresh token.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := m.store.User(r.Context(), strings.TrimSpace(req.Username))
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		m.storeError(w, err, "user")
		return
	}
	if err != nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
		m.logger.Warn("Login failed", slog.String("username", req.Username))
		m.writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	res, err := m.issueTokens(r.Context(), user)
	if err != nil {
		m.logger.Error("Failed to issue tokens", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	m.logger.Info("User logged in", slog.String("username", user.Username))
	m.writeJSON(w, http.StatusOK, res)
}

// HandleRefresh trades a valid refresh token for a new pair of tokens. The used refresh token is
// revoked.
func (m Main) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		m.writeError(w, http.StatusBadRequest, "refresh token is required")
		return
	}

	token, err := m.store.Token(r.Context(), req.RefreshToken)
	if err != nil || token.Kind != models.TokenRefresh || token.Expired(m.now()) {
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			m.logger.Error("Failed to look up refresh token", slog.String(errLoggerKey, err.Error()))
		}
		m.writeError(w, http.StatusForbidden, "Invalid or expired refresh token")
		return
	}

	user, err := m.store.User(r.Context(), token.Username)
	if err != nil {
		m.writeError(w, http.StatusForbidden, "Invalid or expired refresh token")
		return
	}

	if err := m.store.DeleteToken(r.Context(), token.Value); err != nil {
		m.storeError(w, err, "token")
		return
	}

	res, err := m.issueTokens(r.Context(), user)
	if err != nil {
		m.logger.Error("Failed to issue tokens", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	m.writeJSON(w, http.StatusOK, res)
}

// HandleLogout revokes the refresh token in the body and the access token in the header, if any.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = decodeJSON(r, &req)

	for _, value := range []string{req.RefreshToken, bearerToken(r)} {
		if value == "" {
			continue
		}
		if err := m.store.DeleteToken(r.Context(), value); err != nil {
			m.logger.Error("Failed to revoke token", slog.String(errLoggerKey, err.Error()))
		}
	}

	m.writeJSON(w, http.StatusOK, messageResponse{Message: "Log out successful!", Success: true})
}

// HandleRevoke invalidates one of the caller's refresh tokens before it expires, such as the token of
// another device.
func (m Main) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Token) == "" {
		m.writeError(w, http.StatusBadRequest, "Token is required")
		return
	}

	username := usernameFrom(r.Context())
	token, err := m.store.Token(r.Context(), req.Token)
	if err != nil || token.Kind != models.TokenRefresh || token.Username != username {
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			m.logger.Error("Failed to look up token", slog.String(errLoggerKey, err.Error()))
		}
		m.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Token not found"})
		return
	}

	if err := m.store.DeleteToken(r.Context(), token.Value); err != nil {
		m.storeError(w, err, "token")
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Manually revoked by user"
	}
	m.logger.Info("Token revoked", slog.String("username", username), slog.String("reason", reason))
	m.writeJSON(w, http.StatusOK, messageResponse{Message: "Token successfully revoked", Success: true})
}

// requireAuth rejects requests without a valid access token and passes the username on through the
// request context.
func (m Main) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := bearerToken(r)
		if value == "" {
			m.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		token, err := m.store.Token(r.Context(), value)
		if err != nil || token.Kind != models.TokenAccess || token.Expired(m.now()) {
			m.writeError(w, http.StatusUnauthorized, "invalid or expired access token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), usernameKey, token.Username)))
	})
}

func (m Main) issueTokens(ctx context.Context, user models.User) (tokenResponse, error) {
	now := m.now()
	access := models.Token{
		Value:     uuid.NewString(),
		Kind:      models.TokenAccess,
		Username:  user.Username,
		ExpiresAt: now.Add(m.cfg.AccessTTL),
	}
	refresh := models.Token{
		Value:     uuid.NewString(),
		Kind:      models.TokenRefresh,
		Username:  user.Username,
		ExpiresAt: now.Add(m.cfg.RefreshTTL),
	}

	for _, t := range []models.Token{access, refresh} {
		if err := m.store.SaveToken(ctx, t); err != nil {
			return tokenResponse{}, err
		}
	}

	return tokenResponse{
		AccessToken:  access.Value,
		RefreshToken: refresh.Value,
		TokenType:    "Bearer",
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
	}, nil
}

func validateRegistration(req registerRequest) string {
	switch n := utf8.RuneCountInString(req.Username); {
	case n < 3 || n > 50:
		return "Username must be between 3 and 50 characters"
	case strings.ContainsAny(req.Username, " \t/"):
		return "Username must not contain spaces or slashes"
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return "Email is not valid"
	}
	if len(req.Password) < 6 {
		return "Password must be at least 6 characters"
	}
	return ""
}

func bearerToken(r *http.Request) string {
	value, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func usernameFrom(ctx context.Context) string {
	username, _ := ctx.Value(usernameKey).(string)
	return username
}
