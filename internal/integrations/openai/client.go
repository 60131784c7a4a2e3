package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"chatku/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// KeySource supplies the API key on each call.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client streams chat completions from an OpenAI-compatible API.
// It is safe for concurrent use.
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

// NewClient creates a Client that asks keys for the API key on every call.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openai: key source must not be nil")
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

// defaultHTTPClient has no overall timeout: a streamed body stays open for
// the whole generation. Only the wait for response headers is bounded.
func defaultHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{Transport: tr}
}

// apiBase returns the versioned API root. Hosts configured without the /v1
// suffix get it appended.
func apiBase(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// sdkClient builds a go-openai client for one call. The key can rotate in
// SSM, so it is not baked into Client.
func (c *Client) sdkClient(apiKey string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = apiBase(c.baseURL)
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	} else {
		cfg.HTTPClient = defaultHTTPClient()
	}
	return goopenai.NewClientWithConfig(cfg)
}

// StreamChat opens a streamed chat completion. Errors before the body starts
// (missing key, network, non-2xx) are returned directly; errors while
// reading are yielded by the sequence, which then stops.
func (c *Client) StreamChat(ctx context.Context, model, system string, messages []domain.ChatMessage) (iter.Seq2[string, error], error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.keys.APIKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	stream, err := c.sdkClient(apiKey).CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: toSDKMessages(system, messages),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", c.statusError(err))
	}

	return func(yield func(string, error) bool) {
		defer func() { _ = stream.Close() }()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("openai: read stream: %w", contextOr(ctx, err)))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}, nil
}

// statusError turns the SDK's HTTP failures into *HTTPStatusError so callers
// classify every provider the same way. Other errors pass through.
func (c *Client) statusError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &HTTPStatusError{
			StatusCode: apiErr.HTTPStatusCode,
			URL:        apiBase(c.baseURL) + "/chat/completions",
			Body:       apiErr.Message,
		}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &HTTPStatusError{
			StatusCode: reqErr.HTTPStatusCode,
			URL:        apiBase(c.baseURL) + "/chat/completions",
			Body:       reqErr.Error(),
		}
	}
	return err
}

func toSDKMessages(system string, messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: s})
	}
	for _, m := range messages {
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// contextOr prefers the context's error when a read failed because the
// request was cancelled.
func contextOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
