// Package conversation coordinates a chat thread: it owns the visible messages, drives one streaming
// session per outbound message and persists each completed reply exactly once.
package conversation

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/stream"
	"github.com/congdinh/vivuchat/internal/thinking"
)

// ErrorReplyText replaces the reply of a stream that failed.
const ErrorReplyText = "Sorry, I encountered an error while responding. Please try again."

// Message is a message as shown to the user. Assistant messages carry their thinking trace apart
// from the answer.
type Message struct {
	ID      string
	Role    models.Role
	Content string
	Think   string

	Thinking          bool
	ThinkingStartTime time.Time
	// ThinkingTime is only meaningful once Timed is set; both are written once, when thinking ends.
	ThinkingTime time.Duration
	Timed        bool

	Timestamp time.Time
}

// State is a snapshot of a conversation. Snapshots are never modified after they are handed out.
type State struct {
	Messages []Message
	// Typing is set while a reply is being streamed.
	Typing bool
	Error  string
	Saving bool

	ActiveChatID string
	ChatTitle    string

	ChatHistory    []models.Chat
	LoadingHistory bool

	saves int
}

// NewState returns the state of an empty, untitled conversation.
func NewState() State {
	return State{ChatTitle: models.DefaultChatTitle}
}

// Event is a change applied to a State by Reduce.
type Event interface {
	event()
}

type (
	// UserMessageAdded appends the user's message.
	UserMessageAdded struct{ Message Message }
	// ReplyStarted appends the empty assistant message a stream fills in.
	ReplyStarted struct{ Message Message }
	// ReplyUpdated carries the latest reassembled state of the reply with the given ID.
	ReplyUpdated struct {
		MessageID string
		Update    stream.Event
	}
	// ReplyFailed replaces the reply with ErrorReplyText and raises Reason.
	ReplyFailed struct {
		MessageID string
		Reason    string
	}
	// ReplyStopped ends streaming without touching the partial reply.
	ReplyStopped struct{}
	// SendAborted takes back the messages of a send that never reached the backend and raises Reason.
	SendAborted struct {
		MessageIDs []string
		Reason     string
	}
	// ChatCreated makes a freshly persisted thread the active one.
	ChatCreated struct{ Chat models.Chat }
	// TitleChanged renames the active thread.
	TitleChanged struct{ Title string }
	// ChatLoaded replaces the conversation with a thread fetched from the backend.
	ChatLoaded struct {
		Chat     models.Chat
		Messages []Message
	}
	// ChatDeleted drops a thread from the history; deleting the active thread empties the conversation.
	ChatDeleted struct{ ChatID string }
	// ChatReset empties the conversation but keeps the history.
	ChatReset struct{}
	// MessagesCleared drops the messages of the conversation.
	MessagesCleared struct{}
	HistoryLoading  struct{}
	HistoryLoaded   struct{ Chats []models.Chat }
	HistoryFailed   struct{ Reason string }
	SaveStarted     struct{}
	SaveFinished    struct{}
	ErrorRaised     struct{ Reason string }
	ErrorDismissed  struct{}
)

func (UserMessageAdded) event() {}
func (ReplyStarted) event()     {}
func (ReplyUpdated) event()     {}
func (ReplyFailed) event()      {}
func (ReplyStopped) event()     {}
func (SendAborted) event()      {}
func (ChatCreated) event()      {}
func (TitleChanged) event()     {}
func (ChatLoaded) event()       {}
func (ChatDeleted) event()      {}
func (ChatReset) event()        {}
func (MessagesCleared) event()  {}
func (HistoryLoading) event()   {}
func (HistoryLoaded) event()    {}
func (HistoryFailed) event()    {}
func (SaveStarted) event()      {}
func (SaveFinished) event()     {}
func (ErrorRaised) event()      {}
func (ErrorDismissed) event()   {}

// Reduce returns the state that results from applying ev to s. It never modifies s.
func Reduce(s State, ev Event) State {
	switch ev := ev.(type) {
	case UserMessageAdded:
		s.Messages = append(slices.Clip(s.Messages), ev.Message)

	case ReplyStarted:
		s.Messages = append(slices.Clip(s.Messages), ev.Message)
		s.Typing = true

	case ReplyUpdated:
		i := indexOf(s.Messages, ev.MessageID)
		if i < 0 {
			break
		}
		s.Messages = slices.Clone(s.Messages)
		s.Messages[i] = applyUpdate(s.Messages[i], ev.Update)
		if ev.Update.Done {
			s.Typing = false
		}

	case ReplyFailed:
		if i := indexOf(s.Messages, ev.MessageID); i >= 0 {
			s.Messages = slices.Clone(s.Messages)
			s.Messages[i].Content = ErrorReplyText
			s.Messages[i].Thinking = false
		}
		s.Typing = false
		s.Error = ev.Reason

	case ReplyStopped:
		if s.Typing {
			s.Messages = stopThinking(s.Messages)
		}
		s.Typing = false

	case SendAborted:
		s.Messages = slices.DeleteFunc(slices.Clone(s.Messages), func(m Message) bool {
			return slices.Contains(ev.MessageIDs, m.ID)
		})
		s.Typing = false
		s.Error = ev.Reason

	case ChatCreated:
		s.ActiveChatID = ev.Chat.ID
		if ev.Chat.Title != "" {
			s.ChatTitle = ev.Chat.Title
		}
		if !slices.ContainsFunc(s.ChatHistory, func(c models.Chat) bool { return c.ID == ev.Chat.ID }) {
			s.ChatHistory = append([]models.Chat{ev.Chat}, s.ChatHistory...)
		}

	case TitleChanged:
		s.ChatTitle = ev.Title
		if i := slices.IndexFunc(s.ChatHistory, func(c models.Chat) bool { return c.ID == s.ActiveChatID }); i >= 0 {
			s.ChatHistory = slices.Clone(s.ChatHistory)
			s.ChatHistory[i].Title = ev.Title
		}

	case ChatLoaded:
		s.Messages = ev.Messages
		s.ActiveChatID = ev.Chat.ID
		s.ChatTitle = cmp.Or(ev.Chat.Title, models.DefaultChatTitle)
		s.Typing = false
		s.Error = ""

	case ChatDeleted:
		s.ChatHistory = slices.DeleteFunc(slices.Clone(s.ChatHistory), func(c models.Chat) bool {
			return c.ID == ev.ChatID
		})
		if s.ActiveChatID == ev.ChatID {
			s = resetConversation(s)
		}

	case ChatReset:
		s = resetConversation(s)

	case MessagesCleared:
		s.Messages = nil
		s.Typing = false

	case HistoryLoading:
		s.LoadingHistory = true

	case HistoryLoaded:
		s.ChatHistory = ev.Chats
		s.LoadingHistory = false

	case HistoryFailed:
		s.LoadingHistory = false
		s.Error = ev.Reason

	case SaveStarted:
		s.saves++
		s.Saving = true

	case SaveFinished:
		s.saves = max(s.saves-1, 0)
		s.Saving = s.saves > 0

	case ErrorRaised:
		s.Error = ev.Reason

	case ErrorDismissed:
		s.Error = ""
	}

	return s
}

// applyUpdate folds a stream event into the reply. The thinking start time and duration are written
// once and never move afterwards.
func applyUpdate(m Message, up stream.Event) Message {
	m.Content = up.Content
	if !m.Timed {
		m.Think = up.Think
	}
	m.Thinking = up.Thinking

	if m.ThinkingStartTime.IsZero() && !up.ThinkingStartTime.IsZero() {
		m.ThinkingStartTime = up.ThinkingStartTime
	}
	if !m.Timed && !up.Thinking && up.Timed {
		m.ThinkingTime = up.ThinkingTime
		m.Timed = true
	}
	return m
}

func resetConversation(s State) State {
	fresh := NewState()
	fresh.ChatHistory = s.ChatHistory
	fresh.LoadingHistory = s.LoadingHistory
	fresh.saves = s.saves
	fresh.Saving = s.Saving
	return fresh
}

func stopThinking(msgs []Message) []Message {
	msgs = slices.Clone(msgs)
	for i := range msgs {
		msgs[i].Thinking = false
	}
	return msgs
}

func indexOf(msgs []Message, id string) int {
	return slices.IndexFunc(msgs, func(m Message) bool { return m.ID == id })
}

// Wire returns the content a message is sent and stored with. A thinking trace is put back in front
// of the answer, between markers.
func (m Message) Wire() string {
	if m.Role != models.RoleAssistant || m.Think == "" {
		return m.Content
	}
	return thinking.OpenMarker + m.Think + thinking.CloseMarker + m.Content
}

// FromRecord turns a stored message back into a displayable one, splitting an assistant reply into
// thinking trace and answer.
func FromRecord(rec models.MessageRecord) Message {
	msg := Message{
		ID:        rec.ID,
		Role:      rec.Role,
		Content:   rec.Content,
		Timestamp: rec.CreatedAt,
	}
	if rec.Role != models.RoleAssistant || !strings.Contains(rec.Content, thinking.CloseMarker) {
		return msg
	}

	s := thinking.NewSplitter(nil)
	s.Apply(rec.Content, "")
	res := s.Finish("")
	msg.Content = res.Content
	msg.Think = res.Think
	return msg
}

// history returns the conversation as it is sent to the model. Replies that never produced any text
// are left out.
func history(msgs []Message) []models.FrameMessage {
	out := make([]models.FrameMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && m.Content == "" && m.Think == "" {
			continue
		}
		out = append(out, models.FrameMessage{Role: string(m.Role), Content: m.Wire()})
	}
	return out
}

// inferTitle picks the title of a new thread: the server's own title when it chose one, else the
// first message, shortened when it is long.
func inferTitle(serverTitle, firstMessage string) string {
	if serverTitle != "" && serverTitle != models.DefaultChatTitle {
		return serverTitle
	}

	text := strings.TrimSpace(firstMessage)
	runes := []rune(text)
	if len(runes) > 50 {
		return string(runes[:47]) + "..."
	}
	return text
}
