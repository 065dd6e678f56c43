package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/congdinh/vivuchat"
	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/render"
	"github.com/congdinh/vivuchat/internal/services"
)

const errLoggerKey = "err"

// LLM represents a large language model that streams chat completions. Chat yields one frame per
// generated chunk, the last one marked done.
type LLM interface {
	Chat(ctx context.Context, req models.CompletionRequest) iter.Seq2[models.Frame, error]
	Complete(ctx context.Context, req models.CompletionRequest) (models.Frame, error)
	Models(ctx context.Context) ([]models.ModelInfo, error)
}

// Store defines the interface for managing users, their tokens and their chats. Lookups of missing
// records, or of records owned by somebody else, fail with services.ErrNotFound.
type Store interface {
	AddUser(ctx context.Context, user models.User) (models.User, error)
	User(ctx context.Context, username string) (models.User, error)
	UpdateUser(ctx context.Context, user models.User) error

	SaveToken(ctx context.Context, token models.Token) error
	Token(ctx context.Context, value string) (models.Token, error)
	DeleteToken(ctx context.Context, value string) error

	AddChat(ctx context.Context, chat models.Chat) (models.Chat, error)
	Chat(ctx context.Context, owner, chatID string) (models.Chat, error)
	Chats(ctx context.Context, owner string, page, size int) (models.ChatPage, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, owner, chatID string) error

	Messages(ctx context.Context, chatID string) ([]models.MessageRecord, error)
	AddMessage(ctx context.Context, chatID string, message models.MessageRecord) (models.MessageRecord, error)
}

// Config tunes the handlers.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// DefaultModel is used for chats and completions that do not name a model.
	DefaultModel string

	// StreamsPerSecond and StreamBurst bound how often a single user may start a completion. A zero
	// rate disables the limit.
	StreamsPerSecond float64
	StreamBurst      int
}

// Main serves the backend API: authentication, chat persistence and the completion proxy.
type Main struct {
	llm   LLM
	store Store
	cfg   Config

	templates *template.Template
	markdown  render.Markdown
	limiter   *userLimiter
	now       func() time.Time

	logger *slog.Logger
}

type errorResponse struct {
	Message string `json:"message"`
}

// NewMain creates a new Main instance with the provided LLM and Store implementations. It parses the
// export templates from the embedded filesystem.
func NewMain(llm LLM, store Store, cfg Config, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(vivuchat.TemplateFS, "templates/*.html")
	if err != nil {
		return Main{}, err
	}

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	return Main{
		llm:       llm,
		store:     store,
		cfg:       cfg,
		templates: tmpl,
		markdown:  render.NewMarkdown(),
		limiter:   newUserLimiter(cfg.StreamsPerSecond, cfg.StreamBurst),
		now:       time.Now,
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

// Routes returns the handler serving every endpoint.
func (m Main) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", m.HandleRegister)
	mux.HandleFunc("POST /api/auth/login", m.HandleLogin)
	mux.HandleFunc("POST /api/auth/refresh", m.HandleRefresh)
	mux.HandleFunc("POST /api/auth/logout", m.HandleLogout)
	mux.Handle("POST /api/auth/revoke", m.requireAuth(m.HandleRevoke))

	mux.Handle("GET /api/users/profile/me", m.requireAuth(m.HandleGetProfile))
	mux.Handle("PUT /api/users/profile/me", m.requireAuth(m.HandleUpdateProfile))
	mux.Handle("POST /api/users/profile/change-password", m.requireAuth(m.HandleChangePassword))

	mux.Handle("POST /api/chats", m.requireAuth(m.HandleCreateChat))
	mux.Handle("GET /api/chats", m.requireAuth(m.HandleListChats))
	mux.Handle("GET /api/chats/{id}", m.requireAuth(m.HandleGetChat))
	mux.Handle("DELETE /api/chats/{id}", m.requireAuth(m.HandleDeleteChat))
	mux.Handle("GET /api/chats/{id}/messages", m.requireAuth(m.HandleListMessages))
	mux.Handle("POST /api/chats/{id}/messages", m.requireAuth(m.HandleAppendMessage))
	mux.Handle("GET /api/chats/{id}/export", m.requireAuth(m.HandleExportChat))

	mux.Handle("GET /api/ollama/models", m.requireAuth(m.HandleModels))
	mux.Handle("POST /api/ollama/chat", m.requireAuth(m.HandleCompletion))
	mux.Handle("POST /api/ollama/chat/stream", m.requireAuth(m.HandleStream))

	return mux
}

// Shutdown releases what the handlers hold. In-flight streams end with their request contexts.
func (m Main) Shutdown(context.Context) error {
	m.limiter.reset()
	return nil
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) writeError(w http.ResponseWriter, status int, msg string) {
	m.writeJSON(w, status, errorResponse{Message: msg})
}

// storeError maps a store failure to a response. Missing records become 404s.
func (m Main) storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, services.ErrNotFound) {
		m.writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	m.logger.Error("Store operation failed", slog.String("what", what), slog.String(errLoggerKey, err.Error()))
	m.writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
