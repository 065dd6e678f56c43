package thinking

import (
	"context"
	"time"
)

// Timing is the raw material of a thinking duration. ServerStart and ServerEnd are the protocol
// timestamps of the frames that opened and closed the span; ClientStart is the local clock reading
// taken when the span opened.
type Timing struct {
	ServerStart string
	ServerEnd   string
	ClientStart time.Time
	Active      bool
}

// Duration computes how long the model has been (or was) thinking. In order of preference it uses
// the two server timestamps, then the live local elapsed time while the span is still active, then
// the server end timestamp against the local start. The second result is false when none of those
// are available.
func Duration(t Timing, now time.Time) (time.Duration, bool) {
	start, startOK := parseTimestamp(t.ServerStart)
	end, endOK := parseTimestamp(t.ServerEnd)

	switch {
	case startOK && endOK:
		return nonNegative(end.Sub(start)), true
	case !t.ClientStart.IsZero() && t.Active:
		return nonNegative(now.Sub(t.ClientStart)), true
	case !t.ClientStart.IsZero() && endOK:
		return nonNegative(end.Sub(t.ClientStart)), true
	}
	return 0, false
}

// Watch calls fn with the elapsed time since start every interval until ctx is done. Renderers use
// it to animate a thinking timer for a span that has not finished yet.
func Watch(ctx context.Context, start time.Time, interval time.Duration, fn func(time.Duration)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(nonNegative(now.Sub(start)))
		}
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
