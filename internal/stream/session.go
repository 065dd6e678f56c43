// Package stream implements the client side of the streaming chat completion protocol: it sends the
// conversation, decodes the event stream and reassembles thinking and answer text as frames arrive.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/thinking"
)

// Transport opens a streaming request. Implementations attach credentials and must stop reading
// once ctx is cancelled.
type Transport interface {
	FetchStream(ctx context.Context, path string, body any) (io.ReadCloser, error)
}

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// Options are the generation options sent along with a request.
type Options struct {
	Temperature   float64
	RepeatPenalty float64
}

// DefaultOptions returns the generation options used by the chat client.
func DefaultOptions() Options {
	return Options{
		Temperature:   0.1,
		RepeatPenalty: 1.2,
	}
}

// Request is one completion request: the model to use and the full conversation so far.
type Request struct {
	Model    string
	Messages []models.FrameMessage
	Options  Options
}

// Event is the reassembled state of the response after a frame. Content and Think are cumulative.
type Event struct {
	Model     string
	CreatedAt string

	Content  string
	Think    string
	Thinking bool

	ThinkingStartTime time.Time
	ThinkingTime      time.Duration
	Timed             bool

	Done bool
}

// Handlers receives the output of a Session. OnEvent is called for every frame in arrival order; the
// last call has Done set. OnError is called at most once and ends the session. Neither is called
// after Session.Cancel returns, and neither may call Session.Cancel itself.
type Handlers struct {
	OnEvent func(Event)
	OnError func(error)
}

// Client starts streaming sessions against a single endpoint.
type Client struct {
	transport Transport
	path      string
	now       func() time.Time

	logger *slog.Logger
}

// NewClient creates a Client that posts completion requests to path through transport.
func NewClient(transport Transport, path string, logger *slog.Logger) Client {
	return Client{
		transport: transport,
		path:      path,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "stream")),
	}
}

// WithClock returns a copy of c that reads the local clock through now.
func (c Client) WithClock(now func() time.Time) Client {
	c.now = now
	return c
}

// Session is a single in-flight streaming request.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}

	// mu serializes state changes and callback delivery, so that once Cancel has returned no
	// callback can be running or start.
	mu    sync.Mutex
	state State
}

// Start sends req and streams the response into h on a separate goroutine. The returned Session is
// already connecting.
func (c Client) Start(ctx context.Context, req Request, h Handlers) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateConnecting,
	}

	go c.run(ctx, s, req, h)

	return s
}

// Cancel aborts the request. It is safe to call more than once and after the session ended; a session
// that already completed or errored keeps its state.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = StateCancelled
	}
	s.mu.Unlock()

	s.cancel()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has released its connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (c Client) run(ctx context.Context, s *Session, req Request, h Handlers) {
	defer close(s.done)
	defer s.settle()
	defer s.cancel()

	body, err := c.transport.FetchStream(ctx, c.path, wireRequest(req))
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Error("Stream request failed", slog.String(errLoggerKey, err.Error()))
		s.fail(h, &Error{Kind: KindTransport, Message: "stream request failed", Err: err})
		return
	}
	defer body.Close()

	splitter := thinking.NewSplitter(c.now)
	decoder := NewDecoder(&firstByteReader{r: body, onFirst: s.streaming}, c.logger)

	for frame, err := range decoder.Frames() {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Stream reading failed", slog.String(errLoggerKey, err.Error()))
			s.fail(h, &Error{Kind: KindTransport, Message: "stream interrupted", Err: err})
			return
		}

		if frame.Error != "" {
			c.logger.Error("Error frame received", slog.String(errLoggerKey, frame.Error))
			s.fail(h, &Error{Kind: KindProtocol, Message: frame.Error})
			return
		}

		res := splitter.Apply(frame.Message.Content, frame.CreatedAt)
		if frame.Done {
			res = splitter.Finish(frame.CreatedAt)
			s.complete(h, newEvent(req.Model, frame, res, true))
			return
		}

		if !s.deliver(h, newEvent(req.Model, frame, res, false)) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	s.fail(h, &Error{Kind: KindIncomplete, Message: "the response ended before it was complete"})
}

// settle marks a session that stopped without a terminal callback, because its context was
// cancelled from outside, as cancelled.
func (s *Session) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = StateCancelled
	}
}

func (s *Session) streaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateStreaming
	}
}

func (s *Session) deliver(h Handlers, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
	return true
}

func (s *Session) complete(h Handlers, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateCompleted
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (s *Session) fail(h Handlers, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateErrored
	if h.OnError != nil {
		h.OnError(err)
	}
}

func newEvent(model string, frame models.Frame, res thinking.Result, done bool) Event {
	if frame.Model != "" {
		model = frame.Model
	}
	return Event{
		Model:             model,
		CreatedAt:         frame.CreatedAt,
		Content:           res.Content,
		Think:             res.Think,
		Thinking:          res.Thinking,
		ThinkingStartTime: res.ThinkingStartTime,
		ThinkingTime:      res.ThinkingTime,
		Timed:             res.Timed,
		Done:              done,
	}
}

func wireRequest(req Request) models.CompletionRequest {
	return models.CompletionRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		Streaming: true,
		Options: map[string]any{
			"temperature":    req.Options.Temperature,
			"repeat_penalty": req.Options.RepeatPenalty,
		},
	}
}

// firstByteReader reports the first successful read, which moves a session from connecting to
// streaming.
type firstByteReader struct {
	r       io.Reader
	onFirst func()
	seen    bool
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 && !f.seen {
		f.seen = true
		f.onFirst()
	}
	return n, err
}
