package llm

import (
	"context"
	"errors"
	"math"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/kingrea/cascade/internal/faults"
)

const geminiProvider = "gemini"

// GeminiClient calls the Gemini API through the official Go SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
	tokens int32
}

// NewGeminiClient dials the SDK client. Close releases it.
func NewGeminiClient(ctx context.Context, apiKey, model string, maxTokens int) (*GeminiClient, error) {
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, faults.Unavailable(geminiProvider, err)
	}
	return &GeminiClient{client: c, model: model, tokens: clampTokens(maxTokens)}, nil
}

func (g *GeminiClient) Name() string { return geminiProvider }

// Plan generates one response with systemRole as the system instruction.
func (g *GeminiClient) Plan(ctx context.Context, systemRole, contextText string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemRole)}}
	if g.tokens > 0 {
		model.SetMaxOutputTokens(g.tokens)
	}
	resp, err := model.GenerateContent(ctx, genai.Text(contextText))
	if err != nil {
		return "", faults.Unavailable(geminiProvider, err)
	}
	return responseText(resp)
}

// Close releases the SDK client.
func (g *GeminiClient) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// responseText returns the first non-blank text part of resp.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	text := strings.TrimSpace(firstText(resp))
	if text == "" {
		return "", faults.Malformed(geminiProvider, errors.New("response has no text part"))
	}
	return text, nil
}

// clampTokens fits a configured token limit into the SDK's int32 field.
// Negative limits mean unset.
func clampTokens(n int) int32 {
	switch {
	case n <= 0:
		return 0
	case n > math.MaxInt32:
		return math.MaxInt32
	}
	return int32(n)
}

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
