package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/congdinh/vivuchat/internal/conversation"
	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/thinking"
)

const timerInterval = 100 * time.Millisecond

var (
	userStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	thinkingStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	titleStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle    = lipgloss.NewStyle().Faint(true)
)

// renderer prints the streaming reply of a conversation as it grows. While the model thinks it shows
// either the thinking text or a live timer. Loaded chats are printed whole through replay.
type renderer struct {
	mu  sync.Mutex
	out io.Writer
	md  *glamour.TermRenderer

	showThinking bool

	replyID        string
	printedThink   int
	printedContent string
	thoughtShown   bool
	finished       bool
	lastError      string

	timerGen  uint64
	stopTimer context.CancelFunc
}

func newRenderer(out io.Writer, md *glamour.TermRenderer, showThinking bool) *renderer {
	return &renderer{out: out, md: md, showThinking: showThinking, finished: true}
}

// update is subscribed to the controller and receives every snapshot in order.
func (r *renderer) update(s conversation.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.showError(s.Error)

	if len(s.Messages) == 0 {
		r.stopTimerLocked()
		r.replyID, r.finished = "", true
		return
	}
	msg := s.Messages[len(s.Messages)-1]
	if msg.Role != models.RoleAssistant {
		return
	}

	if msg.ID != r.replyID {
		r.stopTimerLocked()
		r.replyID = msg.ID
		r.printedThink, r.printedContent = 0, ""
		r.thoughtShown = false
		// A reply seen for the first time while nothing streams was loaded, not generated.
		r.finished = !s.Typing
	}
	if r.finished {
		return
	}

	if msg.Thinking {
		if r.showThinking {
			fmt.Fprint(r.out, thinkingStyle.Render(msg.Think[r.printedThink:]))
			r.printedThink = len(msg.Think)
		} else if r.stopTimer == nil {
			r.startTimerLocked(msg.ThinkingStartTime)
		}
	}

	if !msg.Thinking && msg.Think != "" && !r.thoughtShown {
		r.stopTimerLocked()
		if r.showThinking {
			fmt.Fprint(r.out, thinkingStyle.Render(msg.Think[min(r.printedThink, len(msg.Think)):]))
			fmt.Fprintln(r.out)
		} else {
			fmt.Fprint(r.out, "\r\033[K")
		}
		fmt.Fprintln(r.out, thinkingStyle.Render(thoughtLine(msg)))
		r.thoughtShown = true
	}

	if msg.Content != r.printedContent {
		switch {
		case msg.Content == conversation.ErrorReplyText:
			if r.printedContent != "" {
				fmt.Fprintln(r.out)
			}
			fmt.Fprint(r.out, errorStyle.Render(msg.Content))
		case strings.HasPrefix(msg.Content, r.printedContent):
			fmt.Fprint(r.out, msg.Content[len(r.printedContent):])
		default:
			fmt.Fprint(r.out, "\n"+msg.Content)
		}
		r.printedContent = msg.Content
	}

	if !s.Typing {
		r.stopTimerLocked()
		fmt.Fprintln(r.out)
		r.finished = true
	}
}

// replay prints every message of s, rendering answers as markdown.
func (r *renderer) replay(s conversation.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.out, titleStyle.Render(s.ChatTitle))
	for _, msg := range s.Messages {
		if msg.Role == models.RoleUser {
			fmt.Fprintln(r.out, userStyle.Render("› ")+msg.Content)
			continue
		}
		if msg.Think != "" {
			fmt.Fprintln(r.out, thinkingStyle.Render(thoughtLine(msg)))
		}
		fmt.Fprint(r.out, r.markdown(msg.Content))
	}

	if n := len(s.Messages); n > 0 {
		r.replyID = s.Messages[n-1].ID
	}
	r.finished = true
}

// history prints the list of chats, numbered from one.
func (r *renderer) history(chats []models.Chat, activeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(chats) == 0 {
		fmt.Fprintln(r.out, mutedStyle.Render("No chats yet."))
		return
	}
	for i, chat := range chats {
		marker := " "
		if chat.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %2d. %s %s\n", marker, i+1, chat.Title,
			mutedStyle.Render(fmt.Sprintf("(%s, %s)", chat.ID, chat.UpdatedAt.Local().Format(time.DateTime))))
	}
}

func (r *renderer) info(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, mutedStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *renderer) prompt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, userStyle.Render("› "))
}

func (r *renderer) markdown(src string) string {
	if r.md == nil {
		return src + "\n"
	}
	out, err := r.md.Render(src)
	if err != nil {
		return src + "\n"
	}
	return out
}

func (r *renderer) showError(msg string) {
	if msg == r.lastError {
		return
	}
	r.lastError = msg
	if msg != "" {
		fmt.Fprintln(r.out, errorStyle.Render("! "+msg))
	}
}

func (r *renderer) startTimerLocked(start time.Time) {
	if start.IsZero() {
		start = time.Now()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.timerGen++
	gen := r.timerGen
	r.stopTimer = cancel

	go thinking.Watch(ctx, start, timerInterval, func(d time.Duration) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if gen != r.timerGen || r.stopTimer == nil {
			return
		}
		fmt.Fprint(r.out, "\r\033[K"+thinkingStyle.Render(fmt.Sprintf("Thinking… %.1fs", d.Seconds())))
	})
}

func (r *renderer) stopTimerLocked() {
	if r.stopTimer == nil {
		return
	}
	r.stopTimer()
	r.stopTimer = nil
	r.timerGen++
}

func thoughtLine(msg conversation.Message) string {
	if !msg.Timed {
		return "Thought"
	}
	return fmt.Sprintf("Thought for %.1fs", msg.ThinkingTime.Seconds())
}
