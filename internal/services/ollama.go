package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/ollama/ollama/api"
)

// LLMParameters are the generation options applied when a request does not set its own.
type LLMParameters struct {
	Temperature   *float64 `yaml:"temperature"`
	RepeatPenalty *float64 `yaml:"repeatPenalty"`
}

// Ollama proxies chat completions to an Ollama server.
type Ollama struct {
	host         string
	defaultModel string
	params       LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance for the server at host. Requests that do not name a model
// use defaultModel. If the provided host URL is invalid, the function will panic.
func NewOllama(host, defaultModel string, params LLMParameters, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:         host,
		defaultModel: defaultModel,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}
}

// Chat streams the completion of req. Each yielded frame carries only the newly generated text; the
// last one has Done set.
func (o Ollama) Chat(ctx context.Context, req models.CompletionRequest) iter.Seq2[models.Frame, error] {
	return func(yield func(models.Frame, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		chatReq := o.chatRequest(req, true)
		if err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if !yield(frameFromResponse(res), nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Error("Chat stream failed",
				slog.String("model", chatReq.Model), slog.String(errLoggerKey, err.Error()))
			yield(models.Frame{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

// Complete returns the whole completion of req as a single frame.
func (o Ollama) Complete(ctx context.Context, req models.CompletionRequest) (models.Frame, error) {
	chatReq := o.chatRequest(req, false)

	var frame models.Frame
	if err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
		frame = frameFromResponse(res)
		return nil
	}); err != nil {
		return models.Frame{}, fmt.Errorf("error sending request: %w", err)
	}

	return frame, nil
}

// Models lists the models installed on the Ollama server.
func (o Ollama) Models(ctx context.Context) ([]models.ModelInfo, error) {
	res, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}

	infos := make([]models.ModelInfo, 0, len(res.Models))
	for _, m := range res.Models {
		infos = append(infos, models.ModelInfo{
			Name:       m.Name,
			Size:       m.Size,
			Family:     m.Details.Family,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return infos, nil
}

func (o Ollama) chatRequest(req models.CompletionRequest, stream bool) api.ChatRequest {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	msgs := make([]api.Message, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	opts := make(map[string]any)
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.RepeatPenalty != nil {
		opts["repeat_penalty"] = *o.params.RepeatPenalty
	}
	maps.Copy(opts, req.Options)

	return api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options:  opts,
	}
}

func frameFromResponse(res api.ChatResponse) models.Frame {
	return models.Frame{
		Model:     res.Model,
		CreatedAt: res.CreatedAt.UTC().Format(time.RFC3339Nano),
		Message: models.FrameMessage{
			Role:    res.Message.Role,
			Content: res.Message.Content,
		},
		Done:       res.Done,
		DoneReason: res.DoneReason,
	}
}
