package models

// Frame is a single decoded unit of the streaming chat protocol. Each frame carries an incremental
// message delta; Done marks the last meaningful frame of a stream and Error, when set, aborts it.
type Frame struct {
	Model      string       `json:"model"`
	CreatedAt  string       `json:"created_at"`
	Message    FrameMessage `json:"message"`
	Done       bool         `json:"done"`
	DoneReason string       `json:"done_reason,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// FrameMessage is a role and content pair, used both for frame deltas and for the conversation
// history sent with a completion request.
type FrameMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body of a chat completion request. Options is forwarded to the model
// runtime untouched (temperature, repeat_penalty and the like).
type CompletionRequest struct {
	Model     string         `json:"model"`
	Messages  []FrameMessage `json:"messages"`
	Streaming bool           `json:"streaming"`
	Options   map[string]any `json:"options,omitempty"`
}
