package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceReplyLifecycle(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	s := NewState()
	s = Reduce(s, UserMessageAdded{Message: Message{ID: "u1", Role: models.RoleUser, Content: "hi"}})
	s = Reduce(s, ReplyStarted{Message: Message{ID: "r1", Role: models.RoleAssistant}})
	require.True(t, s.Typing)
	require.Len(t, s.Messages, 2)

	before := s
	s = Reduce(s, ReplyUpdated{MessageID: "r1", Update: stream.Event{
		Think:             "step one",
		Thinking:          true,
		ThinkingStartTime: start,
		ThinkingTime:      time.Second,
		Timed:             true,
	}})
	assert.Empty(t, before.Messages[1].Think, "earlier snapshots are never modified")
	assert.True(t, s.Messages[1].Thinking)
	assert.False(t, s.Messages[1].Timed, "duration is only recorded once thinking ends")

	s = Reduce(s, ReplyUpdated{MessageID: "r1", Update: stream.Event{
		Content:           "Answer",
		Think:             "step one",
		ThinkingStartTime: start,
		ThinkingTime:      3 * time.Second,
		Timed:             true,
	}})
	reply := s.Messages[1]
	assert.False(t, reply.Thinking)
	assert.True(t, reply.Timed)
	assert.Equal(t, 3*time.Second, reply.ThinkingTime)
	assert.Equal(t, start, reply.ThinkingStartTime)

	s = Reduce(s, ReplyUpdated{MessageID: "r1", Update: stream.Event{
		Content:           "Answer, continued",
		Think:             "something else",
		ThinkingStartTime: start.Add(time.Minute),
		ThinkingTime:      time.Hour,
		Timed:             true,
		Done:              true,
	}})
	reply = s.Messages[1]
	assert.Equal(t, "Answer, continued", reply.Content)
	assert.Equal(t, "step one", reply.Think, "the trace is frozen once thinking ends")
	assert.Equal(t, 3*time.Second, reply.ThinkingTime)
	assert.Equal(t, start, reply.ThinkingStartTime)
	assert.False(t, s.Typing)
}

func TestReduceReplyFailed(t *testing.T) {
	s := NewState()
	s = Reduce(s, ReplyStarted{Message: Message{ID: "r1", Role: models.RoleAssistant}})
	s = Reduce(s, ReplyUpdated{MessageID: "r1", Update: stream.Event{Content: "partial", Thinking: true}})
	s = Reduce(s, ReplyFailed{MessageID: "r1", Reason: "model not found"})

	assert.Equal(t, ErrorReplyText, s.Messages[0].Content)
	assert.False(t, s.Messages[0].Thinking)
	assert.False(t, s.Typing)
	assert.Equal(t, "model not found", s.Error)

	s = Reduce(s, ErrorDismissed{})
	assert.Empty(t, s.Error)
}

func TestReduceSendAborted(t *testing.T) {
	s := NewState()
	s = Reduce(s, UserMessageAdded{Message: Message{ID: "u1", Role: models.RoleUser, Content: "earlier"}})
	s = Reduce(s, UserMessageAdded{Message: Message{ID: "u2", Role: models.RoleUser, Content: "hi"}})
	s = Reduce(s, ReplyStarted{Message: Message{ID: "r2", Role: models.RoleAssistant}})

	before := s
	s = Reduce(s, SendAborted{MessageIDs: []string{"u2", "r2"}, Reason: "offline"})
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "u1", s.Messages[0].ID)
	assert.False(t, s.Typing)
	assert.Equal(t, "offline", s.Error)
	assert.Len(t, before.Messages, 3)
}

func TestReduceUnknownReplyIsIgnored(t *testing.T) {
	s := Reduce(NewState(), ReplyStarted{Message: Message{ID: "r1"}})
	got := Reduce(s, ReplyUpdated{MessageID: "gone", Update: stream.Event{Content: "x", Done: true}})
	assert.Equal(t, s, got)
}

func TestReduceChats(t *testing.T) {
	s := NewState()
	s = Reduce(s, HistoryLoaded{Chats: []models.Chat{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}}})
	s = Reduce(s, ChatCreated{Chat: models.Chat{ID: "c", Title: models.DefaultChatTitle}})
	require.Len(t, s.ChatHistory, 3)
	assert.Equal(t, "c", s.ChatHistory[0].ID)
	assert.Equal(t, "c", s.ActiveChatID)

	s = Reduce(s, TitleChanged{Title: "Trip to Hue"})
	assert.Equal(t, "Trip to Hue", s.ChatTitle)
	assert.Equal(t, "Trip to Hue", s.ChatHistory[0].Title)

	s = Reduce(s, UserMessageAdded{Message: Message{ID: "u1"}})
	s = Reduce(s, SaveStarted{})
	s = Reduce(s, ChatDeleted{ChatID: "a"})
	assert.Len(t, s.ChatHistory, 2)
	assert.Equal(t, "c", s.ActiveChatID, "deleting another thread keeps the conversation")
	assert.Len(t, s.Messages, 1)

	s = Reduce(s, ChatDeleted{ChatID: "c"})
	assert.Empty(t, s.ActiveChatID)
	assert.Empty(t, s.Messages)
	assert.Equal(t, models.DefaultChatTitle, s.ChatTitle)
	assert.True(t, s.Saving, "pending saves survive a reset")
	require.Len(t, s.ChatHistory, 1)

	s = Reduce(s, SaveFinished{})
	assert.False(t, s.Saving)
	s = Reduce(s, SaveFinished{})
	assert.False(t, s.Saving)

	s = Reduce(s, ChatLoaded{Chat: models.Chat{ID: "b"}, Messages: []Message{{ID: "m"}}})
	assert.Equal(t, "b", s.ActiveChatID)
	assert.Equal(t, models.DefaultChatTitle, s.ChatTitle)
	assert.Len(t, s.Messages, 1)
}

func TestReduceHistory(t *testing.T) {
	s := Reduce(NewState(), HistoryLoading{})
	assert.True(t, s.LoadingHistory)

	s = Reduce(s, HistoryFailed{Reason: "offline"})
	assert.False(t, s.LoadingHistory)
	assert.Equal(t, "offline", s.Error)
}

func TestMessageWireAndFromRecord(t *testing.T) {
	reply := Message{Role: models.RoleAssistant, Think: "plan", Content: "Hello!"}
	assert.Equal(t, "<think>plan</think>Hello!", reply.Wire())

	user := Message{Role: models.RoleUser, Content: "<think>not mine</think>"}
	assert.Equal(t, user.Content, user.Wire())

	got := FromRecord(models.MessageRecord{ID: "m1", Role: models.RoleAssistant, Content: reply.Wire()})
	assert.Equal(t, "plan", got.Think)
	assert.Equal(t, "Hello!", got.Content)

	plain := FromRecord(models.MessageRecord{Role: models.RoleAssistant, Content: "  just text "})
	assert.Equal(t, "  just text ", plain.Content)
	assert.Empty(t, plain.Think)
}

func TestHistory(t *testing.T) {
	msgs := []Message{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Think: "t", Content: "two"},
		{Role: models.RoleUser, Content: "three"},
		{Role: models.RoleAssistant},
	}

	assert.Equal(t, []models.FrameMessage{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "<think>t</think>two"},
		{Role: "user", Content: "three"},
	}, history(msgs))
}

func TestInferTitle(t *testing.T) {
	long := strings.Repeat("á", 51)

	tests := []struct {
		name        string
		serverTitle string
		message     string
		want        string
	}{
		{name: "Server title wins", serverTitle: "Weekend plans", message: "hi", want: "Weekend plans"},
		{name: "Default server title", serverTitle: models.DefaultChatTitle, message: "hi", want: "hi"},
		{name: "No server title", message: "  hello  ", want: "hello"},
		{name: "Exactly fifty", message: strings.Repeat("a", 50), want: strings.Repeat("a", 50)},
		{name: "Long message", message: long, want: strings.Repeat("á", 47) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferTitle(tt.serverTitle, tt.message))
		})
	}
}
