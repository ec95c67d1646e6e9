package llmgateway

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/flare576/ei/internal/aierrors"
)

// OpenAIProvider wires github.com/openai/openai-go/v3 behind the Gateway's
// Provider contract. The Gateway has no streaming, tool-calling, or
// multimodal surface, so the simpler Chat Completions API covers it rather
// than the Responses API.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider constructs a provider using apiKey (and an optional
// baseURL override, for OpenRouter or proxy routing).
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) Generate(ctx context.Context, model, systemPrompt string, messages []Message) (string, error) {
	chatMessages := toChatCompletionMessages(systemPrompt, messages)
	if len(chatMessages) == 0 {
		return "", fmt.Errorf("openai: no chat messages for completion")
	}

	req := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: chatMessages,
	}

	resp, err := o.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		return "", &aierrors.LLMTruncatedError{FinishReason: choice.FinishReason}
	}
	return choice.Message.Content, nil
}

func toChatCompletionMessages(systemPrompt string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
