// Package contentgen implements the email content generator port.
package contentgen

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiGenerator generates outreach copy using Google's Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator creates a new Gemini content generator.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiGenerator{
		client: client,
		model:  model,
	}, nil
}

// Generate produces a completion for the prompt.
func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("no completion returned")
	}
	return text, nil
}

// Name returns the generator name.
func (g *GeminiGenerator) Name() string {
	return fmt.Sprintf("genai:%s", g.model)
}
