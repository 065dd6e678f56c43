package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/congdinh/vivuchat/internal/models"
)

// ChatAPI is the client of the backend's chat persistence endpoints.
type ChatAPI struct {
	client Client
}

type createChatRequest struct {
	Model       string `json:"model"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type appendMessageRequest struct {
	Content string `json:"content"`
}

var (
	errMissingChatID  = errors.New("chat id is required")
	errMissingContent = errors.New("message content is required")
	errContentIsID    = errors.New("message content is the chat id, refusing to store it")
)

// NewChatAPI creates a ChatAPI sending its requests through client.
func NewChatAPI(client Client) ChatAPI {
	return ChatAPI{client: client}
}

// CreateChat creates a chat owned by the signed in user. An empty title lets the server pick the
// default one.
func (c ChatAPI) CreateChat(ctx context.Context, model, title, description string) (models.Chat, error) {
	var chat models.Chat
	req := createChatRequest{Model: model, Title: title, Description: description}
	if err := c.client.JSON(ctx, http.MethodPost, "/api/chats", req, &chat); err != nil {
		return models.Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// GetChat returns the chat with its messages.
func (c ChatAPI) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	if chatID == "" {
		return models.Chat{}, errMissingChatID
	}

	var chat models.Chat
	if err := c.client.JSON(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID), nil, &chat); err != nil {
		return models.Chat{}, fmt.Errorf("failed to get chat %s: %w", chatID, err)
	}
	return chat, nil
}

// ListChats returns one page of the user's chats, most recently updated first.
func (c ChatAPI) ListChats(ctx context.Context, page, size int) (models.ChatPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var res models.ChatPage
	if err := c.client.JSON(ctx, http.MethodGet, "/api/chats?"+q.Encode(), nil, &res); err != nil {
		return models.ChatPage{}, fmt.Errorf("failed to list chats: %w", err)
	}
	return res, nil
}

// DeleteChat deletes the chat and its messages.
func (c ChatAPI) DeleteChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return errMissingChatID
	}
	if err := c.client.JSON(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", chatID, err)
	}
	return nil
}

// AppendMessage stores content as the next message of the chat. The server decides the role.
func (c ChatAPI) AppendMessage(ctx context.Context, chatID, content string) (models.MessageRecord, error) {
	if chatID == "" {
		return models.MessageRecord{}, errMissingChatID
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return models.MessageRecord{}, errMissingContent
	}
	// Guards against a caller swapping the chat id and the content.
	if trimmed == chatID {
		return models.MessageRecord{}, errContentIsID
	}

	var msg models.MessageRecord
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.client.JSON(ctx, http.MethodPost, path, appendMessageRequest{Content: content}, &msg); err != nil {
		return models.MessageRecord{}, fmt.Errorf("failed to append message to chat %s: %w", chatID, err)
	}
	return msg, nil
}

// Messages returns the messages of the chat in order.
func (c ChatAPI) Messages(ctx context.Context, chatID string) ([]models.MessageRecord, error) {
	if chatID == "" {
		return nil, errMissingChatID
	}

	var msgs []models.MessageRecord
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.client.JSON(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("failed to get messages of chat %s: %w", chatID, err)
	}
	return msgs, nil
}

// Models returns the models the backend can serve.
func (c ChatAPI) Models(ctx context.Context) ([]models.ModelInfo, error) {
	var res []models.ModelInfo
	if err := c.client.JSON(ctx, http.MethodGet, "/api/ollama/models", nil, &res); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return res, nil
}
