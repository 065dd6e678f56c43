// Package thinking separates a model's reasoning trace from its visible answer while a response is
// still streaming, and keeps track of how long the reasoning took.
package thinking

import (
	"strings"
	"time"
	"unicode"
)

const (
	// OpenMarker opens a thinking span in the token stream.
	OpenMarker = "<think>"
	// CloseMarker closes a thinking span.
	CloseMarker = "</think>"
)

// Result is the accumulated state of a response after a delta has been applied. Content and Think
// always hold the full text received so far, never just the latest delta.
type Result struct {
	Content  string
	Think    string
	Thinking bool
	// JustFinished is true only for the delta that closed the thinking span.
	JustFinished bool

	ThinkingStartTime time.Time
	// ThinkingTime is live while Thinking is true and frozen afterwards. Timed is false until a
	// thinking span has started.
	ThinkingTime time.Duration
	Timed        bool
}

// Splitter routes streamed text either to the thinking buffer or to the content buffer. A marker may
// be split over any number of deltas; the undecided tail is held back until it resolves. A Splitter
// serves a single response and is not safe for concurrent use.
type Splitter struct {
	now func() time.Time

	content strings.Builder
	think   strings.Builder
	pending string

	thinking    bool
	trimContent bool
	trimThink   bool

	timing Timing
	frozen bool
	took   time.Duration
}

// NewSplitter returns a Splitter reading the local clock through now. A nil now means time.Now.
func NewSplitter(now func() time.Time) *Splitter {
	if now == nil {
		now = time.Now
	}
	return &Splitter{now: now}
}

// Apply feeds one delta through the splitter. serverTimestamp is the created_at value of the frame
// carrying the delta and may be empty.
func (s *Splitter) Apply(delta, serverTimestamp string) Result {
	text := s.pending + delta
	text, s.pending = holdPartialMarker(text)

	finished := false
	open := strings.Index(text, OpenMarker)

	switch {
	case open >= 0 && !s.thinking:
		s.appendContent(text[:open])
		s.begin(serverTimestamp)

		rest := text[open+len(OpenMarker):]
		if end := strings.Index(rest, CloseMarker); end >= 0 {
			s.appendThink(rest[:end])
			finished = s.end(serverTimestamp)
			s.appendContent(rest[end+len(CloseMarker):])
		} else {
			s.appendThink(rest)
		}

	case s.thinking:
		// A repeated opening marker inside a span carries no meaning.
		if end := strings.Index(text, CloseMarker); end >= 0 {
			s.appendThink(strings.ReplaceAll(text[:end], OpenMarker, ""))
			finished = s.end(serverTimestamp)
			s.appendContent(text[end+len(CloseMarker):])
		} else {
			s.appendThink(strings.ReplaceAll(text, OpenMarker, ""))
		}

	default:
		end := strings.Index(text, CloseMarker)
		if end < 0 {
			s.appendContent(text)
			break
		}
		// Stray closing marker: the text before it only counts as thinking when a trace is
		// already being collected, otherwise it is dropped.
		if s.think.Len() > 0 && !s.frozen {
			s.appendThink(text[:end])
		}
		finished = s.end(serverTimestamp)
		s.appendContent(text[end+len(CloseMarker):])
	}

	return s.result(finished)
}

// Finish is called once the stream is complete. It flushes any held back marker fragment, closes a
// thinking span the model never closed and trims the accumulated buffers.
func (s *Splitter) Finish(serverTimestamp string) Result {
	rest := s.pending
	s.pending = ""

	finished := false
	if s.thinking {
		s.appendThink(rest)
		finished = s.end(serverTimestamp)
	} else {
		s.appendContent(rest)
	}

	trimmed := strings.TrimSpace(s.content.String())
	s.content.Reset()
	s.content.WriteString(trimmed)

	return s.result(finished)
}

// Snapshot returns the current accumulated state without consuming any input.
func (s *Splitter) Snapshot() Result {
	return s.result(false)
}

func (s *Splitter) begin(serverTimestamp string) {
	if s.timing.ClientStart.IsZero() {
		s.timing.ClientStart = s.now()
		s.timing.ServerStart = serverTimestamp
	}
	s.thinking = true
	s.timing.Active = true
	s.trimThink = s.think.Len() == 0
}

// end leaves thinking mode. It reports whether this call froze the thinking duration, which happens
// at most once per response.
func (s *Splitter) end(serverTimestamp string) bool {
	s.thinking = false
	s.timing.Active = false
	s.trimContent = true

	if s.frozen || s.timing.ClientStart.IsZero() {
		return false
	}

	now := s.now()
	s.timing.ServerEnd = serverTimestamp
	took, ok := Duration(s.timing, now)
	if !ok {
		took = nonNegative(now.Sub(s.timing.ClientStart))
	}
	s.took = took
	s.frozen = true

	trimmed := strings.TrimSpace(s.think.String())
	s.think.Reset()
	s.think.WriteString(trimmed)
	return true
}

func (s *Splitter) appendContent(text string) {
	if s.trimContent {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
		if text == "" {
			return
		}
		s.trimContent = false
	}
	s.content.WriteString(text)
}

func (s *Splitter) appendThink(text string) {
	// The trace is frozen with the first span; later spans are dropped.
	if s.frozen {
		return
	}
	if s.trimThink {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
		if text == "" {
			return
		}
		s.trimThink = false
	}
	s.think.WriteString(text)
}

func (s *Splitter) result(finished bool) Result {
	r := Result{
		Content:           s.content.String(),
		Think:             s.think.String(),
		Thinking:          s.thinking && !s.frozen,
		JustFinished:      finished,
		ThinkingStartTime: s.timing.ClientStart,
	}
	switch {
	case s.frozen:
		r.ThinkingTime, r.Timed = s.took, true
	default:
		r.ThinkingTime, r.Timed = Duration(s.timing, s.now())
	}
	return r
}

// holdPartialMarker splits text into the part that can be decided now and a tail that may still
// grow into a marker.
func holdPartialMarker(text string) (string, string) {
	from := len(text) - len(CloseMarker) + 1
	if from < 0 {
		from = 0
	}
	for i := from; i < len(text); i++ {
		if text[i] != '<' {
			continue
		}
		tail := text[i:]
		if isPartial(tail, OpenMarker) || isPartial(tail, CloseMarker) {
			return text[:i], tail
		}
	}
	return text, ""
}

func isPartial(tail, marker string) bool {
	return len(tail) < len(marker) && strings.HasPrefix(marker, tail)
}
