package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleModels lists the models the runtime can serve.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	available, err := m.llm.Models(r.Context())
	if err != nil {
		m.logger.Error("Failed to list models", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadGateway, "model runtime is unavailable")
		return
	}
	if available == nil {
		available = []models.ModelInfo{}
	}
	m.writeJSON(w, http.StatusOK, available)
}

// HandleCompletion answers a completion request with a single frame holding the whole reply.
func (m Main) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := m.completionRequest(w, r)
	if !ok {
		return
	}

	frame, err := m.llm.Complete(r.Context(), req)
	if err != nil {
		m.logger.Error("Completion failed", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, frame)
}

// HandleStream relays a streamed completion as server-sent events, one JSON frame per data line. A
// failure after the stream has started is reported in a final frame carrying the error and done.
func (m Main) HandleStream(w http.ResponseWriter, r *http.Request) {
	user := usernameFrom(r.Context())
	if !m.limiter.allow(user) {
		m.logger.Warn("Stream rate limited", slog.String("username", user))
		m.writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
		return
	}

	req, ok := m.completionRequest(w, r)
	if !ok {
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to event stream", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	logger := m.logger.With(slog.String("username", user), slog.String("model", req.Model))
	logger.Debug("Stream started", slog.Int("messages", len(req.Messages)))

	for frame, err := range m.llm.Chat(r.Context(), req) {
		if err != nil {
			logger.Error("Error from model runtime", slog.String(errLoggerKey, err.Error()))
			frame = models.Frame{Model: req.Model, Error: err.Error(), Done: true}
		}
		if sendErr := sendFrame(sess, frame); sendErr != nil {
			// The client went away; the request context cancels the model call.
			logger.Debug("Stream closed by client", slog.String(errLoggerKey, sendErr.Error()))
			return
		}
		if frame.Done {
			break
		}
	}
	logger.Debug("Stream finished")
}

func (m Main) completionRequest(w http.ResponseWriter, r *http.Request) (models.CompletionRequest, bool) {
	var req models.CompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if len(req.Messages) == 0 {
		m.writeError(w, http.StatusBadRequest, "messages are required")
		return req, false
	}
	for i, msg := range req.Messages {
		if strings.TrimSpace(msg.Content) == "" {
			m.writeError(w, http.StatusBadRequest, fmt.Sprintf("message %d has no content", i))
			return req, false
		}
	}
	if req.Model == "" {
		req.Model = m.cfg.DefaultModel
	}
	return req, true
}

func sendFrame(sess *sse.Session, frame models.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	msg := &sse.Message{}
	msg.AppendData(string(raw))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}
