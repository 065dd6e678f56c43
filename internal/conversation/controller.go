package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/services"
	"github.com/congdinh/vivuchat/internal/stream"
	"github.com/google/uuid"
)

const (
	errLoggerKey = "err"

	defaultHistorySize = 50
	persistTimeout     = 30 * time.Second
)

// ChatStore persists threads and their messages.
type ChatStore interface {
	CreateChat(ctx context.Context, model, title, description string) (models.Chat, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	ListChats(ctx context.Context, page, size int) (models.ChatPage, error)
	DeleteChat(ctx context.Context, chatID string) error
	AppendMessage(ctx context.Context, chatID, content string) (models.MessageRecord, error)
}

// Streamer starts streaming sessions. stream.Client implements it.
type Streamer interface {
	Start(ctx context.Context, req stream.Request, h stream.Handlers) *stream.Session
}

// Controller runs a single conversation. Every change to its State goes through Reduce and is then
// published to subscribers, in order. All methods are safe for concurrent use.
type Controller struct {
	store    ChatStore
	streamer Streamer
	options  stream.Options

	historySize int

	// notifyMu keeps state changes and their notifications in the same order.
	notifyMu    sync.Mutex
	mu          sync.Mutex
	state       State
	session     *stream.Session
	// generation changes whenever the streaming reply is replaced or stopped; epoch changes whenever
	// the conversation itself is replaced. Late results of an older generation or epoch are dropped.
	generation  uint64
	epoch       uint64
	subscribers map[int]func(State)
	nextSubID   int
	closed      bool

	// bg is the context of background saves; persisting tracks them. lastSave is closed once the
	// most recent reply save has finished.
	bg         context.Context
	stopBG     context.CancelFunc
	persisting sync.WaitGroup
	lastSave   chan struct{}

	logger *slog.Logger
}

// NewController creates a Controller for an empty, untitled conversation.
func NewController(store ChatStore, streamer Streamer, options stream.Options, logger *slog.Logger) *Controller {
	bg, stop := context.WithCancel(context.Background())
	return &Controller{
		store:       store,
		streamer:    streamer,
		options:     options,
		historySize: defaultHistorySize,
		state:       NewState(),
		subscribers: make(map[int]func(State)),
		bg:          bg,
		stopBG:      stop,
		logger:      logger.With(slog.String("module", "conversation")),
	}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to receive every new snapshot and returns a function that unregisters it. fn
// runs on the goroutine that caused the change and must not call back into the Controller.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// SendMessage sends text to model as the next user message. It does nothing when text is blank or a
// reply is still streaming; use Supersede to replace a streaming reply instead. The thread is created
// on the backend the first time a message is sent, and nothing is streamed when that fails. Messages
// are saved in the order they appear, so a previous reply still being saved is waited for.
// SendMessage returns once the stream has started; the reply arrives through subscriptions.
func (c *Controller) SendMessage(ctx context.Context, text, model string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var (
		gen     uint64
		epoch   uint64
		userID  string
		replyID string
		prior   []Message
		chatID  string
		pending chan struct{}
		stale   *stream.Session
		skip    bool
	)
	c.transact(func(s State) []Event {
		if c.closed || s.Typing {
			skip = true
			return nil
		}

		stale, c.session = c.session, nil
		c.generation++
		gen, epoch = c.generation, c.epoch
		prior = s.Messages
		chatID = s.ActiveChatID
		pending = c.lastSave

		now := time.Now()
		user := Message{ID: uuid.NewString(), Role: models.RoleUser, Content: text, Timestamp: now}
		reply := Message{ID: uuid.NewString(), Role: models.RoleAssistant, Timestamp: now}
		userID, replyID = user.ID, reply.ID
		return []Event{UserMessageAdded{Message: user}, ReplyStarted{Message: reply}}
	})
	if skip {
		return nil
	}
	if stale != nil {
		stale.Cancel()
	}

	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			c.abortSend(gen, userID, replyID, fmt.Sprintf("Failed to send your message: %s", ctx.Err()))
			return ctx.Err()
		}
	}

	created := false
	if chatID == "" {
		chat, err := c.store.CreateChat(ctx, model, "", "")
		if err != nil {
			c.logger.Error("Failed to create chat", slog.String(errLoggerKey, err.Error()))
			c.abortSend(gen, userID, replyID, fmt.Sprintf("Failed to save the conversation: %s", reason(err)))
			return err
		}
		chatID = chat.ID
		created = true
		c.guarded(epoch, ChatCreated{Chat: chat})
	}

	c.persistUserMessage(ctx, epoch, chatID, text, created)

	req := stream.Request{
		Model:    model,
		Messages: append(history(prior), models.FrameMessage{Role: string(models.RoleUser), Content: text}),
		Options:  c.options,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.closed {
		return nil
	}
	c.session = c.streamer.Start(c.bg, req, c.replyHandlers(gen, replyID, chatID))
	return nil
}

// Supersede cancels the reply that is streaming, if any, and sends text in its place. The cancelled
// reply keeps the text received so far and is never saved.
func (c *Controller) Supersede(ctx context.Context, text, model string) error {
	c.stopStream(false)
	return c.SendMessage(ctx, text, model)
}

// CreateNewChat starts an empty conversation. With persist set the thread is created on the backend
// right away and the history is reloaded before CreateNewChat returns.
func (c *Controller) CreateNewChat(ctx context.Context, persist bool, model string) error {
	epoch := c.stopStream(true, ChatReset{})
	if !persist {
		return nil
	}

	chat, err := c.store.CreateChat(ctx, model, "", "")
	if err != nil {
		c.logger.Error("Failed to create chat", slog.String(errLoggerKey, err.Error()))
		c.raise(epoch, fmt.Sprintf("Failed to create chat: %s", reason(err)))
		return err
	}
	c.guarded(epoch, ChatCreated{Chat: chat})

	return c.LoadChatHistory(ctx)
}

// SelectChat makes the thread chatID the active conversation. It returns once the thread is loaded
// and does nothing when the thread is already active.
func (c *Controller) SelectChat(ctx context.Context, chatID string) error {
	if c.State().ActiveChatID == chatID {
		return nil
	}

	epoch := c.stopStream(true, MessagesCleared{})

	chat, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		c.logger.Error("Failed to load chat", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		c.guarded(epoch, ChatReset{}, ErrorRaised{Reason: fmt.Sprintf("Failed to load chat: %s", reason(err))})
		return err
	}

	msgs := make([]Message, 0, len(chat.Messages))
	for _, rec := range chat.Messages {
		msgs = append(msgs, FromRecord(rec))
	}
	c.guarded(epoch, ChatLoaded{Chat: chat, Messages: msgs})
	return nil
}

// DeleteChat deletes the thread chatID. Deleting the active thread leaves an empty, untitled
// conversation.
func (c *Controller) DeleteChat(ctx context.Context, chatID string) error {
	if err := c.store.DeleteChat(ctx, chatID); err != nil {
		c.logger.Error("Failed to delete chat", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		c.dispatch(ErrorRaised{Reason: fmt.Sprintf("Failed to delete chat: %s", reason(err))})
		return err
	}

	var stale *stream.Session
	c.transact(func(s State) []Event {
		if s.ActiveChatID == chatID {
			stale, c.session = c.session, nil
			c.generation++
			c.epoch++
		}
		return []Event{ChatDeleted{ChatID: chatID}}
	})
	if stale != nil {
		stale.Cancel()
	}
	return nil
}

// LoadChatHistory reloads the list of threads.
func (c *Controller) LoadChatHistory(ctx context.Context) error {
	c.dispatch(HistoryLoading{})

	page, err := c.store.ListChats(ctx, 0, c.historySize)
	if err != nil {
		c.logger.Error("Failed to load chat history", slog.String(errLoggerKey, err.Error()))
		c.dispatch(HistoryFailed{Reason: fmt.Sprintf("Failed to load chat history: %s", reason(err))})
		return err
	}

	c.dispatch(HistoryLoaded{Chats: page.Content})
	return nil
}

// StopReply stops a reply that is streaming. The partial reply stays visible and is not saved.
func (c *Controller) StopReply() {
	c.stopStream(false)
}

// ClearMessages stops a reply that is streaming and leaves an empty, untitled conversation. The
// thread it was showing stays on the backend and the next message starts a new one.
func (c *Controller) ClearMessages() {
	c.stopStream(true, ChatReset{})
}

// DismissError clears the error banner.
func (c *Controller) DismissError() {
	c.dispatch(ErrorDismissed{})
}

// Close stops the streaming reply and waits for pending saves. The Controller must not be used
// afterwards.
func (c *Controller) Close() {
	var stale *stream.Session
	c.transact(func(State) []Event {
		c.closed = true
		stale, c.session = c.session, nil
		c.generation++
		c.epoch++
		return []Event{ReplyStopped{}}
	})
	if stale != nil {
		stale.Cancel()
	}

	c.persisting.Wait()
	c.stopBG()
}

func (c *Controller) replyHandlers(gen uint64, replyID, chatID string) stream.Handlers {
	saved := false
	return stream.Handlers{
		OnEvent: func(ev stream.Event) {
			var (
				content string
				done    chan struct{}
			)
			current := false
			c.transact(func(State) []Event {
				if gen != c.generation {
					return nil
				}
				current = true
				return []Event{ReplyUpdated{MessageID: replyID, Update: ev}}
			}, func(s State) {
				if !current || !ev.Done || saved || chatID == "" {
					return
				}
				i := indexOf(s.Messages, replyID)
				if i < 0 {
					return
				}
				saved = true
				content = s.Messages[i].Wire()
				if strings.TrimSpace(content) == "" {
					return
				}
				// Registered before Typing is seen cleared, so the next send finds it.
				done = make(chan struct{})
				c.lastSave = done
				c.persisting.Add(1)
			})

			if done != nil {
				c.persistReply(chatID, content, done)
			}
		},
		OnError: func(err error) {
			c.transact(func(State) []Event {
				if gen != c.generation {
					return nil
				}
				return []Event{ReplyFailed{MessageID: replyID, Reason: reason(err)}}
			})
		},
	}
}

// persistReply saves a completed reply in the background so that the stream callback never waits on
// the network. done is closed once the save has finished.
func (c *Controller) persistReply(chatID, content string, done chan struct{}) {
	go func() {
		defer c.persisting.Done()
		defer close(done)

		c.dispatch(SaveStarted{})
		defer c.dispatch(SaveFinished{})

		ctx, cancel := context.WithTimeout(c.bg, persistTimeout)
		defer cancel()

		if _, err := c.store.AppendMessage(ctx, chatID, content); err != nil {
			c.logger.Error("Failed to save reply", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
			c.dispatch(ErrorRaised{Reason: fmt.Sprintf("Failed to save the reply: %s", reason(err))})
		}
	}()
}

func (c *Controller) persistUserMessage(ctx context.Context, epoch uint64, chatID, text string, created bool) {
	c.dispatch(SaveStarted{})
	defer c.dispatch(SaveFinished{})

	if _, err := c.store.AppendMessage(ctx, chatID, text); err != nil {
		c.logger.Error("Failed to save message", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		c.raise(epoch, fmt.Sprintf("Failed to save your message: %s", reason(err)))
		return
	}
	if !created {
		return
	}

	serverTitle := ""
	if chat, err := c.store.GetChat(ctx, chatID); err != nil {
		c.logger.Warn("Failed to fetch chat title", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
	} else {
		serverTitle = chat.Title
	}
	c.guarded(epoch, TitleChanged{Title: inferTitle(serverTitle, text)})
}

// stopStream cancels the streaming reply, leaving its partial text in place, then applies evs. With
// replace set the conversation itself is being replaced and results still pending for it are dropped.
// It returns the epoch the conversation is in afterwards. The session is cancelled after the state
// lock is released, since its callbacks take that lock.
func (c *Controller) stopStream(replace bool, evs ...Event) uint64 {
	var (
		stale *stream.Session
		epoch uint64
	)
	c.transact(func(State) []Event {
		stale, c.session = c.session, nil
		c.generation++
		if replace {
			c.epoch++
		}
		epoch = c.epoch
		return append([]Event{ReplyStopped{}}, evs...)
	})
	if stale != nil {
		stale.Cancel()
	}
	return epoch
}

// guarded applies evs unless the conversation was replaced since epoch.
func (c *Controller) guarded(epoch uint64, evs ...Event) {
	c.transact(func(State) []Event {
		if epoch != c.epoch {
			return nil
		}
		return evs
	})
}

// abortSend takes back a message that could not be sent, unless its reply was already replaced.
func (c *Controller) abortSend(gen uint64, userID, replyID, msg string) {
	c.transact(func(State) []Event {
		if gen != c.generation {
			return nil
		}
		c.generation++
		return []Event{SendAborted{MessageIDs: []string{userID, replyID}, Reason: msg}}
	})
}

// raise shows an error banner unless the conversation was replaced since epoch.
func (c *Controller) raise(epoch uint64, msg string) {
	c.guarded(epoch, ErrorRaised{Reason: msg})
}

func (c *Controller) dispatch(evs ...Event) {
	c.transact(func(State) []Event { return evs })
}

// transact applies the events returned by fn under the state lock, hands the new state to the
// optional after hooks while still locked, then notifies subscribers.
func (c *Controller) transact(fn func(State) []Event, after ...func(State)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	evs := fn(c.state)
	for _, ev := range evs {
		c.state = Reduce(c.state, ev)
	}
	snapshot := c.state
	for _, hook := range after {
		hook(snapshot)
	}
	subs := make([]func(State), 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	if len(evs) == 0 {
		return
	}
	for _, sub := range subs {
		sub(snapshot)
	}
}

// reason turns err into a message fit for the error banner.
func reason(err error) string {
	var apiErr *services.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	var streamErr *stream.Error
	if errors.As(err, &streamErr) {
		return streamErr.Message
	}
	return err.Error()
}
