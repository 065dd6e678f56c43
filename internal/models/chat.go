package models

import (
	"time"
)

// DefaultChatTitle is the title a thread carries until one is inferred from its first message.
const DefaultChatTitle = "New Chat"

// Chat represents a persisted conversation thread. It provides basic identification and labeling
// capabilities for organizing message threads, along with the model the thread talks to. Messages is
// only filled when the thread is fetched individually.
type Chat struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Model       string          `json:"model"`
	Owner       string          `json:"owner,omitempty"`
	Messages    []MessageRecord `json:"messages,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// MessageRecord is a message as the backend stores it. Assistant records keep their thinking trace
// inline, wrapped in <think> markers ahead of the answer.
type MessageRecord struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatPage is one page of a user's threads, most recently updated first.
type ChatPage struct {
	Content       []Chat `json:"content"`
	TotalPages    int    `json:"totalPages"`
	TotalElements int    `json:"totalElements"`
	Number        int    `json:"number"`
	Size          int    `json:"size"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model. Its content may carry a thinking
	// trace.
	RoleAssistant Role = "assistant"
	// RoleSystem is only ever sent to the model, never stored.
	RoleSystem Role = "system"
)

// ModelInfo describes a model available on the model runtime.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Family     string    `json:"family,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}
