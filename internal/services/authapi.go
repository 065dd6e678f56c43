package services

import (
	"context"
	"fmt"
	"net/http"

	"github.com/congdinh/vivuchat/internal/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType,omitempty"`
	Username     string `json:"username,omitempty"`
}

// Login signs in and stores the issued tokens in the client's AuthSession.
func (c Client) Login(ctx context.Context, username, password string) (Credentials, error) {
	var tokens tokenResponse
	req := loginRequest{Username: username, Password: password}
	if err := c.JSON(ctx, http.MethodPost, "/api/auth/login", req, &tokens); err != nil {
		return Credentials{}, fmt.Errorf("failed to log in: %w", err)
	}

	creds := Credentials{
		Username:     username,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
	c.auth.Set(creds)
	return creds, nil
}

// Register creates a new account. It does not sign in.
func (c Client) Register(ctx context.Context, username, email, password string) error {
	req := registerRequest{Username: username, Email: email, Password: password}
	if err := c.JSON(ctx, http.MethodPost, "/api/auth/register", req, nil); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	return nil
}

// Logout revokes the refresh token on the server and forgets the credentials locally, even when the
// server call fails.
func (c Client) Logout(ctx context.Context) error {
	creds := c.auth.Credentials()
	defer c.auth.Set(Credentials{})

	if creds.RefreshToken == "" {
		return nil
	}
	if err := c.JSON(ctx, http.MethodPost, "/api/auth/logout", refreshRequest{RefreshToken: creds.RefreshToken}, nil); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// ProfileUpdate lists the profile fields to change. Nil fields are left as they are.
type ProfileUpdate struct {
	FirstName   *string `json:"firstName,omitempty"`
	LastName    *string `json:"lastName,omitempty"`
	Email       *string `json:"email,omitempty"`
	PhoneNumber *string `json:"phoneNumber,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

type revokeRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

// Profile returns the profile of the signed in user.
func (c Client) Profile(ctx context.Context) (models.Profile, error) {
	var p models.Profile
	if err := c.JSON(ctx, http.MethodGet, "/api/users/profile/me", nil, &p); err != nil {
		return models.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// UpdateProfile changes the fields set in update and returns the resulting profile.
func (c Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (models.Profile, error) {
	var p models.Profile
	if err := c.JSON(ctx, http.MethodPut, "/api/users/profile/me", update, &p); err != nil {
		return models.Profile{}, fmt.Errorf("failed to update profile: %w", err)
	}
	return p, nil
}

// ChangePassword replaces the password of the signed in user. The saved tokens stay valid.
func (c Client) ChangePassword(ctx context.Context, current, next string) error {
	req := changePasswordRequest{CurrentPassword: current, NewPassword: next, ConfirmPassword: next}
	if err := c.JSON(ctx, http.MethodPost, "/api/users/profile/change-password", req, nil); err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}
	return nil
}

// Revoke invalidates a refresh token of the signed in user, such as one saved on another machine.
func (c Client) Revoke(ctx context.Context, refreshToken, reason string) error {
	req := revokeRequest{Token: refreshToken, Reason: reason}
	if err := c.JSON(ctx, http.MethodPost, "/api/auth/revoke", req, nil); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}
