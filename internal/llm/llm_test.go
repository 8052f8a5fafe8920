package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestNewConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		cfg              Config
		wantNil          bool
		wantErrSubstring string
	}{
		{name: "blank key disables client", cfg: Config{APIKey: "  "}, wantNil: true},
		{name: "openai", cfg: Config{Provider: "OpenAI", APIKey: "sk-test", BaseURL: "https://api.openai.com/v1"}},
		{name: "invalid base url", cfg: Config{APIKey: "sk-test", BaseURL: "not a url"}, wantErrSubstring: "parse base_url"},
		{name: "negative retries", cfg: Config{APIKey: "sk-test", MaxRetries: -1}, wantErrSubstring: "max_retries must be >= 0"},
		{name: "unknown provider", cfg: Config{Provider: "llama", APIKey: "sk-test"}, wantErrSubstring: "unsupported provider"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			client, err := New(context.Background(), testCase.cfg)
			if testCase.wantErrSubstring != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), testCase.wantErrSubstring)
				return
			}
			require.NoError(t, err)
			if testCase.wantNil {
				assert.Nil(t, client)
				return
			}
			assert.NotNil(t, client)
		})
	}
}

func TestNormalizeConfigDefaults(t *testing.T) {
	cfg, err := normalizeConfig(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, DefaultOpenAIModel, cfg.Model)
	assert.Equal(t, 30*time.Second, cfg.Timeout)

	cfg, err = normalizeConfig(Config{Provider: "gemini", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultGeminiModel, cfg.Model)
}

type chatCompletionsStub struct {
	got        openai.ChatCompletionNewParams
	completion *openai.ChatCompletion
	err        error
}

func (s *chatCompletionsStub) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	s.got = body
	return s.completion, s.err
}

func TestOpenAICompleteMapsRequest(t *testing.T) {
	stub := &chatCompletionsStub{completion: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "  {\"notes\":[]}\n"}}},
	}}
	client := &OpenAI{completions: stub, model: DefaultOpenAIModel}

	text, err := client.Complete(context.Background(), Request{
		System:      "system prompt",
		User:        "user prompt",
		Temperature: 0.6,
		MaxTokens:   600,
		JSON:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"notes":[]}`, text)

	assert.Equal(t, DefaultOpenAIModel, string(stub.got.Model))
	require.Len(t, stub.got.Messages, 2)
	require.NotNil(t, stub.got.Messages[0].OfSystem)
	assert.Equal(t, "system prompt", stub.got.Messages[0].OfSystem.Content.OfString.Value)
	require.NotNil(t, stub.got.Messages[1].OfUser)
	assert.Equal(t, "user prompt", stub.got.Messages[1].OfUser.Content.OfString.Value)
	assert.Equal(t, 0.6, stub.got.Temperature.Value)
	assert.Equal(t, int64(600), stub.got.MaxCompletionTokens.Value)
	assert.NotNil(t, stub.got.ResponseFormat.OfJSONObject)
}

func TestOpenAICompleteErrors(t *testing.T) {
	client := &OpenAI{completions: &chatCompletionsStub{err: errors.New("boom")}, model: "m"}
	_, err := client.Complete(context.Background(), Request{User: "u"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "openai chat completion"))

	client = &OpenAI{completions: &chatCompletionsStub{completion: &openai.ChatCompletion{}}, model: "m"}
	_, err = client.Complete(context.Background(), Request{User: "u"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

type generateContentStub struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
}

func (s *generateContentStub) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	s.model = model
	s.contents = contents
	s.config = config
	return s.resp, s.err
}

func TestGeminiCompleteMapsRequest(t *testing.T) {
	stub := &generateContentStub{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: "How did rest show up today?"}}},
		}},
	}}
	client := &Gemini{models: stub, model: DefaultGeminiModel}

	text, err := client.Complete(context.Background(), Request{
		Model:       "gemini-custom",
		System:      "system prompt",
		User:        "user prompt",
		Temperature: 0.8,
		MaxTokens:   150,
		JSON:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "How did rest show up today?", text)
	assert.Equal(t, "gemini-custom", stub.model)
	require.Len(t, stub.contents, 1)
	assert.Equal(t, "user prompt", stub.contents[0].Parts[0].Text)
	require.NotNil(t, stub.config.SystemInstruction)
	assert.Equal(t, "system prompt", stub.config.SystemInstruction.Parts[0].Text)
	require.NotNil(t, stub.config.Temperature)
	assert.InDelta(t, 0.8, float64(*stub.config.Temperature), 0.0001)
	assert.Equal(t, int32(150), stub.config.MaxOutputTokens)
	assert.Equal(t, "application/json", stub.config.ResponseMIMEType)
}

func TestGeminiCompleteEmpty(t *testing.T) {
	client := &Gemini{models: &generateContentStub{resp: &genai.GenerateContentResponse{}}, model: "m"}
	_, err := client.Complete(context.Background(), Request{User: "u"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}
