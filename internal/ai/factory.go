package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"docchat/internal/config"
)

const claudeMaxTokens = 3000

// NewChatModel builds the provider-specific eino chat model. The provider
// client lives on the returned value; there is no process-wide singleton, so
// teardown is just dropping the reference.
func NewChatModel(ctx context.Context, cfg *config.Config, provider, modelName, token string) (model.ToolCallingChatModel, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}

	switch provider {
	case "openai":
		oaCfg := &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  token,
		}
		if cfg.Generation.PresencePenalty != 0 {
			pp := cfg.Generation.PresencePenalty
			oaCfg.PresencePenalty = &pp
		}
		if cfg.Generation.FrequencyPenalty != 0 {
			fp := cfg.Generation.FrequencyPenalty
			oaCfg.FrequencyPenalty = &fp
		}
		return openai.NewChatModel(ctx, oaCfg)
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: token})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: true,
				ThinkingBudget:  nil,
			},
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// agentModel adapts a react agent to the ChatModel capability; per-call model
// options do not cross the agent boundary.
type agentModel struct {
	agent *react.Agent
}

func (a agentModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return a.agent.Generate(ctx, input)
}

func (a agentModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return a.agent.Stream(ctx, input)
}

// NewProviderEngine wires a chat model (wrapped in a react agent when search
// tools are available) into an Engine with the configured generation knobs.
func NewProviderEngine(ctx context.Context, cfg *config.Config, provider, modelName, token string) (*Engine, error) {
	chatModel, err := NewChatModel(ctx, cfg, provider, modelName, token)
	if err != nil {
		return nil, err
	}

	var capability ChatModel = chatModel
	if tools := InitToolsChain(); len(tools) > 0 {
		reactAgent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		capability = agentModel{agent: reactAgent}
	}

	return NewEngine(capability, Params{
		Temperature:     cfg.Generation.Temperature,
		MaxOutputTokens: cfg.Generation.MaxOutputTokens,
	})
}
