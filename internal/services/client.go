package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

const errLoggerKey = "err"

// APIError is a non-2xx reply from the backend. Message is suitable for showing to the user.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded with %d: %s", e.Status, e.Message)
}

// ErrNotAuthenticated is returned when a request needs credentials and none are available, or when
// refreshing them failed.
var ErrNotAuthenticated = errors.New("not authenticated")

// Credentials is the pair of tokens issued at login.
type Credentials struct {
	Username     string `json:"username,omitempty" yaml:"username"`
	AccessToken  string `json:"accessToken" yaml:"accessToken"`
	RefreshToken string `json:"refreshToken" yaml:"refreshToken"`
}

// AuthSession carries the current credentials of a signed in user and is shared by every request
// made on their behalf. OnChange, when set, is told about every new set of credentials so they can be
// saved.
type AuthSession struct {
	mu    sync.RWMutex
	creds Credentials

	// refreshMu lets a single refresh run at a time; requests that fail meanwhile wait for it and
	// reuse its outcome.
	refreshMu sync.Mutex

	OnChange func(Credentials)
}

// NewAuthSession creates an AuthSession holding creds.
func NewAuthSession(creds Credentials) *AuthSession {
	return &AuthSession{creds: creds}
}

// Credentials returns the current credentials.
func (a *AuthSession) Credentials() Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds
}

// Set replaces the credentials, typically after a login or a logout.
func (a *AuthSession) Set(creds Credentials) {
	a.mu.Lock()
	a.creds = creds
	a.mu.Unlock()

	if a.OnChange != nil {
		a.OnChange(creds)
	}
}

func (a *AuthSession) accessToken() string {
	return a.Credentials().AccessToken
}

// Client talks JSON to the backend. Every request carries the bearer token of its AuthSession; a
// request rejected as unauthorized is retried once after refreshing the tokens.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *AuthSession

	logger *slog.Logger
}

// NewClient creates a Client for the backend at baseURL. A nil auth sends anonymous requests.
func NewClient(baseURL string, auth *AuthSession, logger *slog.Logger) Client {
	if auth == nil {
		auth = NewAuthSession(Credentials{})
	}
	return Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		auth:       auth,
		logger:     logger.With(slog.String("module", "client")),
	}
}

// Auth returns the session the client authenticates with.
func (c Client) Auth() *AuthSession {
	return c.auth
}

// JSON sends in as the JSON body of a request and decodes the reply into out. Either may be nil.
func (c Client) JSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// FetchStream posts body to path and returns the event stream it answers with. The stream is closed
// by the caller; cancelling ctx aborts it.
func (c Client) FetchStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c Client) do(ctx context.Context, method, path string, in any, accept string) (*http.Response, error) {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
	}

	token := c.auth.accessToken()
	resp, err := c.send(ctx, method, path, payload, accept, token)
	if err != nil {
		return nil, err
	}

	if isUnauthorized(resp.StatusCode) && c.auth.Credentials().RefreshToken != "" {
		drain(resp)
		if err := c.refresh(ctx, token); err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, method, path, payload, accept, c.auth.accessToken())
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer drain(resp)
		return nil, apiError(resp)
	}
	return resp, nil
}

func (c Client) send(
	ctx context.Context,
	method, path string,
	payload []byte,
	accept, token string,
) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	return resp, nil
}

// refresh exchanges the refresh token for new credentials, unless another request already did so
// since staleToken was read.
func (c Client) refresh(ctx context.Context, staleToken string) error {
	c.auth.refreshMu.Lock()
	defer c.auth.refreshMu.Unlock()

	creds := c.auth.Credentials()
	if creds.AccessToken != staleToken {
		return nil
	}

	c.logger.Debug("Refreshing access token", slog.String("username", creds.Username))

	payload, err := json.Marshal(refreshRequest{RefreshToken: creds.RefreshToken})
	if err != nil {
		return fmt.Errorf("error marshaling refresh request: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/auth/refresh", payload, "application/json", "")
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Token refresh rejected", slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %w", ErrNotAuthenticated, apiError(resp))
	}

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return fmt.Errorf("error decoding refresh response: %w", err)
	}

	creds.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		creds.RefreshToken = tokens.RefreshToken
	}
	c.auth.Set(creds)
	return nil
}

func isUnauthorized(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func apiError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Message != "":
			msg = body.Message
		case body.Error != "":
			msg = body.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
