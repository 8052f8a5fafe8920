package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const geminiAPIVersion = "v1beta"

type generateContentClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini completes requests through the Gemini API.
type Gemini struct {
	models generateContentClient
	model  string
}

func newGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	timeout := cfg.Timeout
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.BaseURL,
			APIVersion: geminiAPIVersion,
			Timeout:    &timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	if client == nil || client.Models == nil {
		return nil, fmt.Errorf("new gemini client: models client is nil")
	}
	return &Gemini{models: client.Models, model: cfg.Model}, nil
}

func (c *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	contents, config := mapGenerateRequest(req)
	resp, err := c.models.GenerateContent(ctx, modelOrDefault(req.Model, c.model), contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	if resp == nil {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func mapGenerateRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Temperature > 0 {
		temperature := float32(req.Temperature)
		config.Temperature = &temperature
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	return contents, config
}
