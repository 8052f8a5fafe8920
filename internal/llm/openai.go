package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

type chatCompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI completes requests through the chat completions API.
type OpenAI struct {
	completions chatCompletionsClient
	model       string
}

func newOpenAI(cfg Config) *OpenAI {
	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(options...)
	return &OpenAI{completions: &client.Chat.Completions, model: cfg.Model}
}

func (c *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	completion, err := c.completions.New(ctx, mapChatRequest(req, c.model))
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func mapChatRequest(req Request, defaultModel string) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelOrDefault(req.Model, defaultModel)),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}
