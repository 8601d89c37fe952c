// ABOUTME: ChatTransport adapter for the OpenAI chat completions API with SSE streaming.
// ABOUTME: Maps stream chunks onto the core's callback contract; images attach as URL parts.

package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/2389-research/parley/ledger"
)

// OpenAITransport streams chat completions from the OpenAI API.
type OpenAITransport struct {
	client openai.Client
	model  string
	system string
	log    *zap.Logger

	clientOpts []option.RequestOption
}

// OpenAIOption configures an OpenAITransport.
type OpenAIOption func(*OpenAITransport)

// WithSystemPrompt sets a system prompt prepended to every request.
func WithSystemPrompt(prompt string) OpenAIOption {
	return func(t *OpenAITransport) {
		t.system = prompt
	}
}

// WithBaseURL points the transport at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(t *OpenAITransport) {
		t.clientOpts = append(t.clientOpts, option.WithBaseURL(url))
	}
}

// NewOpenAITransport creates a transport for the given API key and model.
// A nil logger is replaced with a nop logger.
func NewOpenAITransport(apiKey, model string, log *zap.Logger, opts ...OpenAIOption) *OpenAITransport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &OpenAITransport{
		model:      model,
		log:        log,
		clientOpts: []option.RequestOption{option.WithAPIKey(apiKey)},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.client = openai.NewClient(t.clientOpts...)
	return t
}

// SendMessage implements ChatTransport.
func (t *OpenAITransport) SendMessage(ctx context.Context, text string, meta Metadata, cb Callbacks) error {
	return t.send(ctx, openai.UserMessage(text), meta, cb)
}

// SendMultimodal implements ChatTransport. Files with URLs attach as image
// parts; other attachments are referenced by name in a trailing text part,
// since their content is consumed by the document widget, not the chat model.
func (t *OpenAITransport) SendMultimodal(ctx context.Context, text string, files []ledger.File, meta Metadata, cb Callbacks) error {
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(text),
	}
	var named []string
	for _, f := range files {
		if f.URL != "" && strings.HasPrefix(f.MediaType, "image/") {
			parts = append(parts, openai.ImageContentPart(
				openai.ChatCompletionContentPartImageImageURLParam{URL: f.URL},
			))
			continue
		}
		named = append(named, f.Name)
	}
	if len(named) > 0 {
		parts = append(parts, openai.TextContentPart(
			fmt.Sprintf("(attached files: %s)", strings.Join(named, ", ")),
		))
	}
	return t.send(ctx, openai.UserMessage(parts), meta, cb)
}

func (t *OpenAITransport) send(ctx context.Context, user openai.ChatCompletionMessageParamUnion, meta Metadata, cb Callbacks) error {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if t.system != "" {
		messages = append(messages, openai.SystemMessage(t.system))
	}
	messages = append(messages, user)

	stream := t.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(t.model),
		Messages: messages,
	})
	defer stream.Close()

	id := uuid.New().String()
	cb.start(id, "waiting for model")

	started := false
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if !started {
			cb.status("responding")
			started = true
		}
		cb.chunk(delta)
	}

	if err := stream.Err(); err != nil {
		t.log.Warn("openai stream failed", zap.Error(err))
		cb.fail(err)
		return err
	}
	cb.complete()
	return nil
}
