package handlers

import (
	"cmp"
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/congdinh/vivuchat/internal/models"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100

	// titleLimit bounds a title derived from a user message. Longer messages are cut and marked.
	titleLimit = 30
)

type createChatRequest struct {
	Model       string `json:"model"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type appendMessageRequest struct {
	Content string `json:"content"`
}

// HandleCreateChat creates a chat for the signed in user. The model must be one the runtime serves.
func (m Main) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	model := cmp.Or(strings.TrimSpace(req.Model), m.cfg.DefaultModel)
	if model == "" {
		m.writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	ok, err := m.modelExists(r.Context(), model)
	if err != nil {
		m.logger.Error("Failed to list models", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadGateway, "model runtime is unavailable")
		return
	}
	if !ok {
		m.writeError(w, http.StatusBadRequest, "Model not found: "+model)
		return
	}

	chat, err := m.store.AddChat(r.Context(), models.Chat{
		Title:       cmp.Or(strings.TrimSpace(req.Title), models.DefaultChatTitle),
		Description: req.Description,
		Model:       model,
		Owner:       usernameFrom(r.Context()),
	})
	if err != nil {
		m.storeError(w, err, "chat")
		return
	}

	m.logger.Info("Chat created", slog.String("chatID", chat.ID), slog.String("model", model))
	m.writeJSON(w, http.StatusCreated, chat)
}

// HandleListChats returns a page of the user's chats. Query parameters page (zero based) and size
// select the page.
func (m Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil || page < 0 {
		m.writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	size, err := queryInt(r, "size", defaultPageSize)
	if err != nil || size < 1 {
		m.writeError(w, http.StatusBadRequest, "invalid size")
		return
	}

	res, err := m.store.Chats(r.Context(), usernameFrom(r.Context()), page, min(size, maxPageSize))
	if err != nil {
		m.storeError(w, err, "chats")
		return
	}
	m.writeJSON(w, http.StatusOK, res)
}

// HandleGetChat returns the chat together with its messages.
func (m Main) HandleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := m.ownedChat(w, r)
	if !ok {
		return
	}

	msgs, err := m.store.Messages(r.Context(), chat.ID)
	if err != nil {
		m.storeError(w, err, "messages")
		return
	}
	chat.Messages = msgs
	m.writeJSON(w, http.StatusOK, chat)
}

// HandleDeleteChat deletes the chat and every message in it.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if err := m.store.DeleteChat(r.Context(), usernameFrom(r.Context()), chatID); err != nil {
		m.storeError(w, err, "chat")
		return
	}
	m.logger.Info("Chat deleted", slog.String("chatID", chatID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleListMessages returns the chat's messages, oldest first.
func (m Main) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	chat, ok := m.ownedChat(w, r)
	if !ok {
		return
	}

	msgs, err := m.store.Messages(r.Context(), chat.ID)
	if err != nil {
		m.storeError(w, err, "messages")
		return
	}
	if msgs == nil {
		msgs = []models.MessageRecord{}
	}
	m.writeJSON(w, http.StatusOK, msgs)
}

// HandleAppendMessage stores the next message of the chat. The caller does not pick the role: content
// carrying a thinking marker, or following a user message, is the assistant's. The first user message
// names a chat that still has the default title.
func (m Main) HandleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		m.writeError(w, http.StatusBadRequest, "Message content cannot be empty")
		return
	}

	chat, ok := m.ownedChat(w, r)
	if !ok {
		return
	}

	history, err := m.store.Messages(r.Context(), chat.ID)
	if err != nil {
		m.storeError(w, err, "messages")
		return
	}

	role := inferRole(req.Content, history)
	msg, err := m.store.AddMessage(r.Context(), chat.ID, models.MessageRecord{
		Role:      role,
		Content:   req.Content,
		Model:     chat.Model,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		m.storeError(w, err, "chat")
		return
	}

	if role == models.RoleUser && (chat.Title == models.DefaultChatTitle || !hasUserMessage(history)) {
		updated, err := m.store.Chat(r.Context(), chat.Owner, chat.ID)
		if err == nil {
			updated.Title = titleFrom(req.Content)
			err = m.store.UpdateChat(r.Context(), updated)
		}
		if err != nil {
			m.logger.Error("Failed to update chat title",
				slog.String("chatID", chat.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	m.writeJSON(w, http.StatusOK, msg)
}

func (m Main) ownedChat(w http.ResponseWriter, r *http.Request) (models.Chat, bool) {
	chat, err := m.store.Chat(r.Context(), usernameFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		m.storeError(w, err, "chat")
		return models.Chat{}, false
	}
	return chat, true
}

func (m Main) modelExists(ctx context.Context, name string) (bool, error) {
	available, err := m.llm.Models(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(available, func(info models.ModelInfo) bool {
		return info.Name == name
	}), nil
}

func inferRole(content string, history []models.MessageRecord) models.Role {
	if strings.Contains(content, "<think>") || strings.Contains(content, "</think>") {
		return models.RoleAssistant
	}
	if len(history) > 0 && history[len(history)-1].Role == models.RoleUser {
		return models.RoleAssistant
	}
	return models.RoleUser
}

func hasUserMessage(history []models.MessageRecord) bool {
	return slices.ContainsFunc(history, func(msg models.MessageRecord) bool {
		return msg.Role == models.RoleUser
	})
}

func titleFrom(content string) string {
	title := strings.TrimSpace(content)
	runes := []rune(title)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit-3]) + "..."
	}
	return title
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
