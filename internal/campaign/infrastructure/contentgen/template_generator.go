package contentgen

import (
	"context"
	"encoding/json"
)

// TemplateGenerator is the dev fallback used when no GenAI key is
// configured. It answers every prompt with the same static
// subject/body JSON envelope.
type TemplateGenerator struct {
	subject string
	body    string
}

// NewTemplateGenerator creates a template generator. Empty arguments
// fall back to generic outreach copy.
func NewTemplateGenerator(subject, body string) *TemplateGenerator {
	if subject == "" {
		subject = "Partnership opportunity"
	}
	if body == "" {
		body = "Hello,\n\nWe would love to explore a partnership with your business. " +
			"Reply to this email and we will set up a quick call.\n\nBest regards"
	}
	return &TemplateGenerator{subject: subject, body: body}
}

// Generate returns the static content as the JSON envelope the composer
// expects.
func (g *TemplateGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	encoded, err := json.Marshal(map[string]string{
		"subject": g.subject,
		"body":    g.body,
	})
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Name returns the generator name.
func (g *TemplateGenerator) Name() string {
	return "template"
}
