package services_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/services"
	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ollamaServer answers /api/chat with canned NDJSON chunks and /api/tags with a model list.
func ollamaServer(t *testing.T, got chan<- api.ChatRequest) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req api.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got != nil {
			got <- req
		}
		if req.Model == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "model 'missing' not found"})
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		chunks := []string{"<think>", "hm</think>", "Hi"}
		for i, c := range chunks {
			_ = enc.Encode(api.ChatResponse{
				Model:     req.Model,
				CreatedAt: created,
				Message:   api.Message{Role: "assistant", Content: c},
				Done:      i == len(chunks)-1,
			})
		}
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.ListResponse{Models: []api.ListModelResponse{
			{Name: "deepseek-r1:7b", Size: 4_700_000_000, Details: api.ModelDetails{Family: "qwen2"}},
		}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaChat(t *testing.T) {
	reqs := make(chan api.ChatRequest, 1)
	srv := ollamaServer(t, reqs)

	temp := 0.3
	o := services.NewOllama(srv.URL, "deepseek-r1:7b", services.LLMParameters{Temperature: &temp}, discardLogger())

	req := models.CompletionRequest{
		Messages: []models.FrameMessage{{Role: "user", Content: "Hello"}},
		Options:  map[string]any{"repeat_penalty": 1.2},
	}

	var frames []models.Frame
	for frame, err := range o.Chat(context.Background(), req) {
		require.NoError(t, err)
		frames = append(frames, frame)
	}

	require.Len(t, frames, 3)
	assert.Equal(t, "<think>", frames[0].Message.Content)
	assert.Equal(t, "deepseek-r1:7b", frames[0].Model)
	assert.Equal(t, "2025-01-02T03:04:05Z", frames[0].CreatedAt)
	assert.True(t, frames[2].Done)

	sent := <-reqs
	assert.Equal(t, "deepseek-r1:7b", sent.Model)
	require.NotNil(t, sent.Stream)
	assert.True(t, *sent.Stream)
	assert.InDelta(t, 0.3, sent.Options["temperature"], 1e-9)
	assert.InDelta(t, 1.2, sent.Options["repeat_penalty"], 1e-9)
}

func TestOllamaChatStopsEarly(t *testing.T) {
	srv := ollamaServer(t, nil)
	o := services.NewOllama(srv.URL, "deepseek-r1:7b", services.LLMParameters{}, discardLogger())

	req := models.CompletionRequest{Messages: []models.FrameMessage{{Role: "user", Content: "Hello"}}}
	n := 0
	for _, err := range o.Chat(context.Background(), req) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestOllamaChatError(t *testing.T) {
	srv := ollamaServer(t, nil)
	o := services.NewOllama(srv.URL, "missing", services.LLMParameters{}, discardLogger())

	req := models.CompletionRequest{Messages: []models.FrameMessage{{Role: "user", Content: "Hello"}}}
	var errs []error
	for _, err := range o.Chat(context.Background(), req) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "not found")
}

func TestOllamaCompleteAndModels(t *testing.T) {
	srv := ollamaServer(t, nil)
	o := services.NewOllama(srv.URL, "deepseek-r1:7b", services.LLMParameters{}, discardLogger())

	frame, err := o.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.FrameMessage{{Role: "user", Content: "Hello"}},
	})
	require.NoError(t, err)
	assert.True(t, frame.Done)

	list, err := o.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "deepseek-r1:7b", list[0].Name)
	assert.Equal(t, "qwen2", list[0].Family)
}
