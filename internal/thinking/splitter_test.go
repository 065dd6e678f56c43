package thinking_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/congdinh/vivuchat/internal/thinking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func chunk(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}

func run(deltas []string) thinking.Result {
	s := thinking.NewSplitter(nil)
	for _, d := range deltas {
		s.Apply(d, "")
	}
	return s.Finish("")
}

func TestSplitterChunkingInvariance(t *testing.T) {
	tests := []struct {
		name      string
		think     string
		content   string
		wantThink string
		wantBody  string
	}{
		{
			name:      "Plain",
			think:     "reasoning here",
			content:   "Hello!",
			wantThink: "reasoning here",
			wantBody:  "Hello!",
		},
		{
			name:      "Whitespace around both parts",
			think:     "\n  step one\nstep two  \n",
			content:   "\n\nThe answer is 42.\n",
			wantThink: "step one\nstep two",
			wantBody:  "The answer is 42.",
		},
		{
			name:      "Angle brackets inside",
			think:     "is a<b or <th the case",
			content:   "a < b, and </th is not a marker",
			wantThink: "is a<b or <th the case",
			wantBody:  "a < b, and </th is not a marker",
		},
		{
			name:      "Empty thinking",
			think:     "",
			content:   "Just the answer",
			wantThink: "",
			wantBody:  "Just the answer",
		},
	}

	for _, tt := range tests {
		full := thinking.OpenMarker + tt.think + thinking.CloseMarker + tt.content
		t.Run(tt.name, func(t *testing.T) {
			for size := 1; size <= len(full); size++ {
				res := run(chunk(full, size))
				require.Equal(t, tt.wantThink, res.Think, "chunk size %d", size)
				require.Equal(t, tt.wantBody, res.Content, "chunk size %d", size)
				require.False(t, res.Thinking, "chunk size %d", size)
			}

			rnd := rand.New(rand.NewSource(7))
			for i := 0; i < 200; i++ {
				var deltas []string
				rest := full
				for rest != "" {
					n := 1 + rnd.Intn(len(rest))
					deltas = append(deltas, rest[:n])
					rest = rest[n:]
				}
				res := run(deltas)
				require.Equal(t, tt.wantThink, res.Think, "deltas %q", deltas)
				require.Equal(t, tt.wantBody, res.Content, "deltas %q", deltas)
			}
		})
	}
}

func TestSplitterThreeFrameScenario(t *testing.T) {
	clock := newClock()
	s := thinking.NewSplitter(clock.now)

	res := s.Apply("<think>", "2025-03-01T10:00:00Z")
	assert.True(t, res.Thinking)
	assert.Equal(t, clock.t, res.ThinkingStartTime)

	clock.advance(time.Second)
	res = s.Apply("reasoning here", "2025-03-01T10:00:01Z")
	assert.True(t, res.Thinking)
	assert.Equal(t, "reasoning here", res.Think)
	assert.Equal(t, time.Second, res.ThinkingTime)
	assert.Empty(t, res.Content)

	clock.advance(time.Second)
	res = s.Apply("</think>Hello!", "2025-03-01T10:00:03Z")
	assert.False(t, res.Thinking)
	assert.True(t, res.JustFinished)
	assert.Equal(t, "reasoning here", res.Think)
	assert.Equal(t, "Hello!", res.Content)
	assert.Equal(t, 3*time.Second, res.ThinkingTime, "server timestamps take precedence")

	res = s.Finish("2025-03-01T10:00:03Z")
	assert.Equal(t, "Hello!", res.Content)
	assert.False(t, res.JustFinished)
}

func TestSplitterSingleDeltaWithBothMarkers(t *testing.T) {
	s := thinking.NewSplitter(nil)
	res := s.Apply("<think> quick </think> done ", "")

	assert.True(t, res.JustFinished)
	assert.False(t, res.Thinking)
	assert.Equal(t, "quick", res.Think)
	assert.Equal(t, "done ", res.Content)
	assert.True(t, res.Timed)
}

func TestSplitterFrozenDuration(t *testing.T) {
	clock := newClock()
	s := thinking.NewSplitter(clock.now)

	s.Apply("<think>hmm", "")
	clock.advance(1500 * time.Millisecond)
	res := s.Apply("</think>ok", "")
	require.True(t, res.JustFinished)
	frozen := res.ThinkingTime
	assert.Equal(t, 1500*time.Millisecond, frozen)

	for i := 0; i < 5; i++ {
		clock.advance(time.Minute)
		res = s.Apply(" more", "2030-01-01T00:00:00Z")
		assert.Equal(t, frozen, res.ThinkingTime)
		assert.Equal(t, "hmm", res.Think)
		assert.False(t, res.JustFinished)
	}

	// A second span does not restart the clock or reopen the trace.
	res = s.Apply("<think>again</think>", "")
	assert.Equal(t, frozen, res.ThinkingTime)
	assert.Equal(t, "hmm", res.Think)
	assert.False(t, res.JustFinished)

	res = s.Finish("")
	assert.Equal(t, frozen, res.ThinkingTime)
	assert.Equal(t, "ok more more more more more", res.Content)
}

func TestSplitterStrayCloseMarker(t *testing.T) {
	s := thinking.NewSplitter(nil)
	s.Apply("lost reasoning", "")
	res := s.Apply(" tail</think> answer", "")

	assert.Empty(t, res.Think, "no trace was being collected")
	assert.Equal(t, "lost reasoninganswer", res.Content)
	assert.False(t, res.JustFinished)
	assert.False(t, res.Timed)
}

func TestSplitterNoMarkers(t *testing.T) {
	s := thinking.NewSplitter(nil)
	for _, d := range []string{"Hello", ", ", "world", "!"} {
		res := s.Apply(d, "")
		assert.False(t, res.Thinking)
		assert.Empty(t, res.Think)
	}
	res := s.Finish("")
	assert.Equal(t, "Hello, world!", res.Content)
	assert.False(t, res.Timed)
}

func TestSplitterUnterminatedSpan(t *testing.T) {
	clock := newClock()
	s := thinking.NewSplitter(clock.now)

	s.Apply("<think>still going  ", "")
	clock.advance(2 * time.Second)
	res := s.Apply("<thi", "")
	assert.True(t, res.Thinking)
	assert.Equal(t, 2*time.Second, res.ThinkingTime)

	res = s.Finish("")
	assert.False(t, res.Thinking)
	assert.True(t, res.JustFinished)
	assert.Equal(t, "still going  <thi", res.Think)
	assert.Equal(t, 2*time.Second, res.ThinkingTime)
}

func TestSplitterTextBeforeOpenMarker(t *testing.T) {
	res := run([]string{"Sure. <think>plan", "</think>\nDone"})
	assert.Equal(t, "plan", res.Think)
	assert.Equal(t, "Sure. Done", res.Content)
}
