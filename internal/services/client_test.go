package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/congdinh/vivuchat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// authServer accepts a single valid access token and rotates it on refresh.
type authServer struct {
	mu        sync.Mutex
	valid     string
	refreshes atomic.Int32
	rejectAll bool
}

func (a *authServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		a.refreshes.Add(1)

		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if a.rejectAll || body.RefreshToken != "refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"invalid refresh token"}`)
			return
		}

		a.mu.Lock()
		a.valid = "access-2"
		a.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "access-2", "refreshToken": "refresh-2"})
	})

	mux.HandleFunc("GET /api/ping", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		valid := a.valid
		a.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"pong": "ok"})
	})

	mux.HandleFunc("GET /api/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"message":"database is down"}`)
	})

	mux.HandleFunc("GET /api/plain", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "bad input")
	})

	mux.HandleFunc("POST /api/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data:{\"done\":true}\n\n")
	})

	return mux
}

func TestClientRefreshesOnceAndRetries(t *testing.T) {
	as := &authServer{valid: "access-2"}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	auth := services.NewAuthSession(services.Credentials{
		Username:     "ada",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})
	var saved []services.Credentials
	auth.OnChange = func(c services.Credentials) { saved = append(saved, c) }

	client := services.NewClient(srv.URL, auth, discardLogger())

	var out map[string]string
	require.NoError(t, client.JSON(context.Background(), http.MethodGet, "/api/ping", nil, &out))
	assert.Equal(t, "ok", out["pong"])
	assert.EqualValues(t, 1, as.refreshes.Load())

	creds := auth.Credentials()
	assert.Equal(t, "access-2", creds.AccessToken)
	assert.Equal(t, "refresh-2", creds.RefreshToken)
	assert.Equal(t, "ada", creds.Username)
	require.Len(t, saved, 1)
	assert.Equal(t, creds, saved[0])
}

func TestClientConcurrentCallersShareRefresh(t *testing.T) {
	as := &authServer{valid: "access-2"}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	auth := services.NewAuthSession(services.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	client := services.NewClient(srv.URL, auth, discardLogger())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.JSON(context.Background(), http.MethodGet, "/api/ping", nil, nil)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, as.refreshes.Load())
}

func TestClientRefreshFailure(t *testing.T) {
	as := &authServer{valid: "access-2", rejectAll: true}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	auth := services.NewAuthSession(services.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	client := services.NewClient(srv.URL, auth, discardLogger())

	err := client.JSON(context.Background(), http.MethodGet, "/api/ping", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrNotAuthenticated)

	var apiErr *services.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid refresh token", apiErr.Message)
	assert.EqualValues(t, 1, as.refreshes.Load())
}

func TestClientWithoutRefreshTokenDoesNotRetry(t *testing.T) {
	as := &authServer{valid: "access-2"}
	srv := httptest.NewServer(as.handler(t))
	defer srv.Close()

	client := services.NewClient(srv.URL, nil, discardLogger())

	err := client.JSON(context.Background(), http.MethodGet, "/api/ping", nil, nil)
	var apiErr *services.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Zero(t, as.refreshes.Load())
}

func TestClientAPIErrors(t *testing.T) {
	srv := httptest.NewServer((&authServer{}).handler(t))
	defer srv.Close()

	client := services.NewClient(srv.URL, nil, discardLogger())

	tests := []struct {
		name        string
		path        string
		wantStatus  int
		wantMessage string
	}{
		{
			name:        "JSON message",
			path:        "/api/broken",
			wantStatus:  http.StatusInternalServerError,
			wantMessage: "database is down",
		},
		{
			name:        "Plain text",
			path:        "/api/plain",
			wantStatus:  http.StatusBadRequest,
			wantMessage: "bad input",
		},
		{
			name:        "Empty body",
			path:        "/api/missing",
			wantStatus:  http.StatusNotFound,
			wantMessage: "404 page not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.JSON(context.Background(), http.MethodGet, tt.path, nil, nil)

			var apiErr *services.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
		})
	}
}

func TestClientFetchStream(t *testing.T) {
	srv := httptest.NewServer((&authServer{}).handler(t))
	defer srv.Close()

	client := services.NewClient(srv.URL, nil, discardLogger())

	body, err := client.FetchStream(context.Background(), "/api/stream", map[string]string{"model": "m"})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data:{\"done\":true}\n\n", string(raw))
}

func TestClientLoginAndLogout(t *testing.T) {
	var revoked string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"invalid username or password"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "a", "refreshToken": "r"})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		revoked = body["refreshToken"]
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := services.NewAuthSession(services.Credentials{})
	client := services.NewClient(srv.URL, auth, discardLogger())

	_, err := client.Login(context.Background(), "ada", "wrong")
	var apiErr *services.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid username or password", apiErr.Message)
	assert.Empty(t, auth.Credentials().AccessToken)

	creds, err := client.Login(context.Background(), "ada", "secret")
	require.NoError(t, err)
	assert.Equal(t, services.Credentials{Username: "ada", AccessToken: "a", RefreshToken: "r"}, creds)
	assert.Equal(t, creds, auth.Credentials())

	require.NoError(t, client.Logout(context.Background()))
	assert.Equal(t, "r", revoked)
	assert.Equal(t, services.Credentials{}, auth.Credentials())
}
