package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/congdinh/vivuchat/internal/models"
)

const dataPrefix = "data:"

// Decoder turns an event-stream body into frames. It reads line by line, keeps only lines carrying
// the data prefix and parses their payload as a frame.
type Decoder struct {
	reader *bufio.Reader
	logger *slog.Logger
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	return &Decoder{
		reader: bufio.NewReader(r),
		logger: logger,
	}
}

// Frames returns an iterator over the decoded frames. Payloads that fail to parse are logged and
// skipped without interrupting the stream. The iterator ends at EOF; an unterminated trailing line is
// discarded since every frame the server sends is newline terminated. Any other read error is
// yielded once and ends the iteration.
func (d *Decoder) Frames() iter.Seq2[models.Frame, error] {
	return func(yield func(models.Frame, error) bool) {
		for {
			line, err := d.reader.ReadString('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					if strings.TrimSpace(line) != "" {
						d.logger.Debug("Discarding unterminated line", slog.String("line", line))
					}
					return
				}
				yield(models.Frame{}, fmt.Errorf("error reading stream: %w", err))
				return
			}

			payload, ok := dataPayload(line)
			if !ok {
				continue
			}

			var frame models.Frame
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				d.logger.Warn("Skipping malformed frame",
					slog.String("payload", payload),
					slog.String(errLoggerKey, err.Error()))
				continue
			}

			if !yield(frame, nil) {
				return
			}
		}
	}
}

func dataPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" {
		return "", false
	}
	return payload, true
}
