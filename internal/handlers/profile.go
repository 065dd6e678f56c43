package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/congdinh/vivuchat/internal/services"
	"golang.org/x/crypto/bcrypt"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

// updateProfileRequest changes the fields that are set and leaves the others alone. An empty string
// clears a field, except for the email which is required.
type updateProfileRequest struct {
	FirstName   *string `json:"firstName"`
	LastName    *string `json:"lastName"`
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phoneNumber"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// HandleGetProfile returns the profile of the signed in user.
func (m Main) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := m.store.User(r.Context(), usernameFrom(r.Context()))
	if err != nil {
		m.storeError(w, err, "user")
		return
	}
	m.writeJSON(w, http.StatusOK, user.Profile())
}

// HandleUpdateProfile changes the name, email or phone number of the signed in user and returns the
// updated profile.
func (m Main) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateProfile(&req); msg != "" {
		m.writeError(w, http.StatusBadRequest, msg)
		return
	}

	username := usernameFrom(r.Context())
	user, err := m.store.User(r.Context(), username)
	if err != nil {
		m.storeError(w, err, "user")
		return
	}

	changed := false
	for _, f := range []struct {
		value *string
		field *string
	}{
		{req.FirstName, &user.FirstName},
		{req.LastName, &user.LastName},
		{req.Email, &user.Email},
		{req.PhoneNumber, &user.PhoneNumber},
	} {
		if f.value != nil && *f.value != *f.field {
			*f.field = *f.value
			changed = true
		}
	}

	if changed {
		user.UpdatedAt = m.now().UTC()
		err := m.store.UpdateUser(r.Context(), user)
		if errors.Is(err, services.ErrUserExists) {
			m.writeError(w, http.StatusBadRequest, "Email is already in use: "+user.Email)
			return
		}
		if err != nil {
			m.storeError(w, err, "user")
			return
		}
		m.logger.Info("Profile updated", slog.String("username", username))
	}

	m.writeJSON(w, http.StatusOK, user.Profile())
}

// HandleChangePassword replaces the password of the signed in user once the current one is
// confirmed. Issued tokens stay valid.
func (m Main) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	username := usernameFrom(r.Context())
	user, err := m.store.User(r.Context(), username)
	if err != nil {
		m.storeError(w, err, "user")
		return
	}

	switch {
	case bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.CurrentPassword)) != nil:
		m.logger.Warn("Password change with a wrong current password", slog.String("username", username))
		m.writeError(w, http.StatusBadRequest, "Current password is incorrect")
		return
	case req.NewPassword != req.ConfirmPassword:
		m.writeError(w, http.StatusBadRequest, "New password and confirmation don't match")
		return
	case len(req.NewPassword) < 6:
		m.writeError(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		m.logger.Error("Failed to hash password", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	user.PasswordHash = hash
	user.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateUser(r.Context(), user); err != nil {
		m.storeError(w, err, "user")
		return
	}

	m.logger.Info("Password changed", slog.String("username", username))
	m.writeJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully", Success: true})
}

// validateProfile trims the fields of req in place and returns a message for the first invalid one.
func validateProfile(req *updateProfileRequest) string {
	for _, f := range []*string{req.FirstName, req.LastName, req.Email, req.PhoneNumber} {
		if f != nil {
			*f = strings.TrimSpace(*f)
		}
	}

	if req.FirstName != nil && utf8.RuneCountInString(*req.FirstName) > 50 {
		return "First name must be less than 50 characters"
	}
	if req.LastName != nil && utf8.RuneCountInString(*req.LastName) > 50 {
		return "Last name must be less than 50 characters"
	}
	if req.Email != nil {
		if _, err := mail.ParseAddress(*req.Email); err != nil {
			return "Email should be valid"
		}
	}
	if req.PhoneNumber != nil && *req.PhoneNumber != "" && !phonePattern.MatchString(*req.PhoneNumber) {
		return "Phone number is invalid"
	}
	return ""
}
