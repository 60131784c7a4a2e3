// Package google streams generations from the Gemini API
// (generativelanguage.googleapis.com, streamGenerateContent with alt=sse).
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatku/internal/domain"
	"chatku/internal/integrations/sse"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type generateContentRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"` // "user" or "model"
	Parts []part `json:"parts"`
}

type part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

// generateContentResponse is one SSE payload. Each carries the next slice
// of candidate text.
type generateContentResponse struct {
	Candidates []struct {
		Content      *content `json:"content"`
		FinishReason string   `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// KeySource supplies the API key on each call.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("google: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       KeySource
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(baseURL); v != "" {
			c.baseURL = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("google: key source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: defaultHTTPClient(),
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func defaultHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{Transport: tr}
}

func streamURL(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", base, url.PathEscape(model))
}

// StreamChat opens a streamed generation for model.
func (c *Client) StreamChat(ctx context.Context, model, system string, messages []domain.ChatMessage) (iter.Seq2[string, error], error) {
	if model == "" {
		return nil, errors.New("google: model must not be empty")
	}

	apiKey, err := c.keys.APIKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}

	body, err := json.Marshal(toRequest(system, messages))
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	u := streamURL(c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-goog-api-key", apiKey)

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("google: request failed: %w", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		})
	}

	return func(yield func(string, error) bool) {
		defer func() { _ = res.Body.Close() }()
		scanner := sse.NewScanner(res.Body)
		for {
			payload, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield("", fmt.Errorf("google: read stream: %w", err))
				return
			}

			var chunk generateContentResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				yield("", fmt.Errorf("google: decode stream chunk: %w", err))
				return
			}
			text, err := chunkText(&chunk)
			if err != nil {
				yield("", err)
				return
			}
			if text != "" && !yield(text, nil) {
				return
			}
		}
	}, nil
}

func chunkText(chunk *generateContentResponse) (string, error) {
	if chunk.Error != nil {
		return "", fmt.Errorf("google: stream error %d %s: %s", chunk.Error.Code, chunk.Error.Status, chunk.Error.Message)
	}
	if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("google: prompt blocked: %s", chunk.PromptFeedback.BlockReason)
	}
	if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, p := range chunk.Candidates[0].Content.Parts {
		if p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

// toRequest maps the flat history onto Gemini contents. Gemini has no system
// role inside contents, so system turns join the system instruction.
func toRequest(system string, messages []domain.ChatMessage) generateContentRequest {
	var systemTexts []string
	if s := strings.TrimSpace(system); s != "" {
		systemTexts = append(systemTexts, s)
	}

	contents := make([]content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			systemTexts = append(systemTexts, m.Content)
		case domain.RoleAssistant:
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}

	req := generateContentRequest{Contents: contents}
	if len(systemTexts) > 0 {
		req.SystemInstruction = &content{Parts: []part{{Text: strings.Join(systemTexts, "\n\n")}}}
	}
	return req
}
