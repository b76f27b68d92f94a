package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"docchat/internal/models"
)

// ChatModel is the injected completion capability. Both eino chat models and
// the react agent wrapper satisfy it; tests plug in fakes.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
	Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error)
}

// Status reports how a generation resolved.
type Status int

const (
	StatusOK Status = iota
	// StatusFallback means the provider failed and the deterministic
	// fallback reply was substituted.
	StatusFallback
)

// Params are per-call generation knobs forwarded to the provider.
type Params struct {
	Temperature     float32
	MaxOutputTokens int
}

// Engine drives the completion provider. Provider failures never escape it:
// they resolve into the fallback reply, and only consumer-side cancellation
// surfaces as an error.
type Engine struct {
	model  ChatModel
	params Params
}

// NewEngine wraps an injected chat model.
func NewEngine(chatModel ChatModel, params Params) (*Engine, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	return &Engine{model: chatModel, params: params}, nil
}

func (e *Engine) options() []model.Option {
	var opts []model.Option
	if e.params.Temperature > 0 {
		opts = append(opts, model.WithTemperature(e.params.Temperature))
	}
	if e.params.MaxOutputTokens > 0 {
		opts = append(opts, model.WithMaxTokens(e.params.MaxOutputTokens))
	}
	return opts
}

// GenerateStream consumes the provider stream, handing each fragment to
// onChunk as it arrives. On any provider failure (before the first fragment
// or mid-stream) the fallback reply is delivered through onChunk as the
// final fragment and the call reports StatusFallback. The returned string is
// everything the consumer received, fallback included.
//
// An error from onChunk means the consumer stopped pulling (client gone);
// consumption halts and the error is returned so callers skip persisting.
func (e *Engine) GenerateStream(ctx context.Context, messages []*schema.Message, toolContext, userText string, onChunk func(string) error) (string, Status, error) {
	reader, err := e.model.Stream(ctx, messages, e.options()...)
	if err != nil {
		return e.deliverFallback(toolContext, userText, "", err, onChunk)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return full.String(), StatusOK, nil
			}
			return e.deliverFallback(toolContext, userText, full.String(), err, onChunk)
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if cbErr := onChunk(chunk.Content); cbErr != nil {
				return "", StatusOK, fmt.Errorf("stream consumer gone: %w", cbErr)
			}
		}
	}
}

// GenerateOnce is the non-streaming entry point: the same code path with the
// fragments concatenated.
func (e *Engine) GenerateOnce(ctx context.Context, messages []*schema.Message, toolContext, userText string) (string, Status) {
	full, status, err := e.GenerateStream(ctx, messages, toolContext, userText, nil)
	if err != nil {
		// onChunk is nil, so this branch is unreachable; keep the fallback
		// anyway so the contract holds if that ever changes.
		return FallbackReply(toolContext, userText), StatusFallback
	}
	return full, status
}

func (e *Engine) deliverFallback(toolContext, userText, partial string, cause error, onChunk func(string) error) (string, Status, error) {
	log.Printf("generation failed (%s): %v", classifyFailure(cause), cause)
	fallback := FallbackReply(toolContext, userText)
	if onChunk != nil {
		if cbErr := onChunk(fallback); cbErr != nil {
			return "", StatusFallback, fmt.Errorf("stream consumer gone: %w", cbErr)
		}
	}
	if partial != "" {
		return partial + "\n\n" + fallback, StatusFallback, nil
	}
	return fallback, StatusFallback, nil
}

// classifyFailure buckets provider errors for the logs. Classification never
// changes control flow: every bucket funnels into the same fallback.
func classifyFailure(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return "quota"
	case strings.Contains(msg, "content policy") || strings.Contains(msg, "content_filter") || strings.Contains(msg, "safety"):
		return "policy"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "timeout"
	default:
		return "provider"
	}
}

// GenerateTitle names a session from its opening messages. A failure here is
// harmless, so it falls back to a static title rather than an error.
func (e *Engine) GenerateTitle(ctx context.Context, messages []*models.Message) (string, error) {
	const defaultTitle = "New Conversation"
	if len(messages) == 0 {
		return defaultTitle, nil
	}
	systemPrompt := "You are a conversation title generator. " +
		"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
		"The title should be within 10 words and summarize the main topic. " +
		"Output only the title; do not include any additional content."

	var conversation strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			conversation.WriteString("User: " + msg.Content + "\n")
		case models.RoleAssistant:
			conversation.WriteString("Assistant: " + msg.Content + "\n")
		}
	}

	resp, err := e.model.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: systemPrompt},
		{Role: schema.User, Content: "Please generate a clean title using the following conversation messages:\n\n" + conversation.String()},
	}, e.options()...)
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	title := strings.TrimSpace(resp.Content)
	if title == "" {
		return defaultTitle, nil
	}
	return title, nil
}
