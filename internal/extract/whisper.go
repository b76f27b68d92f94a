package extract

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultWhisperModel = "whisper-1"

// WhisperTranscriber transcribes audio through the OpenAI transcription API.
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

// NewWhisperTranscriber builds a transcriber. baseURL and model are optional.
func NewWhisperTranscriber(apiKey, baseURL, model string) (*WhisperTranscriber, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("transcription api key required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultWhisperModel
	}
	return &WhisperTranscriber{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Transcribe sends the file for transcription. An empty Text in the response
// is returned as-is: silent audio is not an error.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: path,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
