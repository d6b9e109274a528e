package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kingrea/cascade/internal/faults"
)

const (
	openAIProvider    = "openai"
	openAIDefaultBase = "https://api.openai.com"
	maxAttempts       = 3
)

// OpenAIClient calls the chat completions endpoint.
type OpenAIClient struct {
	APIKey    string
	Model     string
	MaxTokens int
	// BaseURL overrides OPENAI_API_BASE and the public endpoint.
	BaseURL string
	// HTTPClient overrides the default client built from LLM_HTTP_TIMEOUT_MS.
	HTTPClient *http.Client
	// Sleep is the backoff pause; tests replace it.
	Sleep func(time.Duration)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Name() string { return openAIProvider }

// Plan sends one chat completion request, retrying timeouts and server
// errors.
func (c *OpenAIClient) Plan(ctx context.Context, systemRole, contextText string) (string, error) {
	body := chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemRole},
			{Role: "user", Content: contextText},
		},
		MaxTokens: c.MaxTokens,
	}
	var resp chatResponse
	if err := c.postJSON(ctx, c.endpoint("/v1/chat/completions"), body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", faults.Malformed(openAIProvider, errors.New("no choices"))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", faults.Malformed(openAIProvider, errors.New("empty completion"))
	}
	return text, nil
}

func (c *OpenAIClient) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: encode request: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(backoff(attempt - 1))
		}
		retry, err := c.doOnce(ctx, url, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (c *OpenAIClient) doOnce(ctx context.Context, url string, payload []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, faults.Unavailable(openAIProvider, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient().Do(req)
	if err != nil {
		return isTimeout(err), faults.Unavailable(openAIProvider, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return false, faults.Malformed(openAIProvider, fmt.Errorf("decode response: %w", err))
		}
		return false, nil
	}
	detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	statusErr := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	retry := res.StatusCode == http.StatusRequestTimeout ||
		res.StatusCode == http.StatusTooManyRequests ||
		res.StatusCode >= 500
	return retry, faults.Unavailable(openAIProvider, statusErr)
}

func (c *OpenAIClient) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = strings.TrimRight(os.Getenv("OPENAI_API_BASE"), "/")
	}
	if base == "" {
		base = openAIDefaultBase
	}
	return base + path
}

func (c *OpenAIClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: clientTimeout()}
}

func (c *OpenAIClient) sleep(d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

func clientTimeout() time.Duration {
	if v := os.Getenv("LLM_HTTP_TIMEOUT_MS"); v != "" {
		if d, err := time.ParseDuration(v + "ms"); err == nil {
			return d
		}
	}
	return 120 * time.Second
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

func backoff(i int) time.Duration {
	return time.Duration(500*(1<<i)) * time.Millisecond
}
