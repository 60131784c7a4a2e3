package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chatku/internal/domain"
	"chatku/internal/router"
	"chatku/internal/usecase"
)

// fakeProvider is a router.StreamClient that replays fixed tokens.
type fakeProvider struct {
	mu     sync.Mutex
	tokens []string
	midErr error
	models []string
}

func (f *fakeProvider) StreamChat(_ context.Context, model, _ string, _ []domain.ChatMessage) (iter.Seq2[string, error], error) {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, tok := range f.tokens {
			if !yield(tok, nil) {
				return
			}
		}
		if f.midErr != nil {
			yield("", f.midErr)
		}
	}, nil
}

func (f *fakeProvider) calledWith() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.models...)
}

type stubService struct {
	err error
	in  usecase.StreamInput
}

func (s *stubService) Stream(_ context.Context, in usecase.StreamInput) (usecase.StreamOutput, error) {
	s.in = in
	return usecase.StreamOutput{}, s.err
}

type fakeUsage struct {
	counter    domain.ModelCounter
	recent     []domain.RequestRecord
	counterErr error
	recentErr  error
	lastModel  string
	lastLimit  int
}

func (f *fakeUsage) GetModelCounter(_ context.Context, model string) (domain.ModelCounter, error) {
	f.lastModel = model
	return f.counter, f.counterErr
}

func (f *fakeUsage) GetRecentRequests(_ context.Context, model string, limit int) ([]domain.RequestRecord, error) {
	f.lastModel = model
	f.lastLimit = limit
	return f.recent, f.recentErr
}

func newTestHandler(t *testing.T, google, openai *fakeProvider, opts ...Option) *Handler {
	t.Helper()
	r, err := router.New(router.Clients{Google: google, OpenAI: openai})
	require.NoError(t, err)
	svc, err := usecase.NewChatService(r)
	require.NoError(t, err)
	h, err := NewHandler(svc, opts...)
	require.NoError(t, err)
	h.newID = func() string { return "generated-id" }
	return h
}

func makeEvent(method, path, body string) events.LambdaFunctionURLRequest {
	return events.LambdaFunctionURLRequest{
		RawPath: path,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    body,
		RequestContext: events.LambdaFunctionURLRequestContext{
			HTTP: events.LambdaFunctionURLRequestContextHTTPDescription{Method: method, Path: path},
		},
	}
}

func readBody(t *testing.T, resp *events.LambdaFunctionURLStreamingResponse) string {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

type streamEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
	ErrorText string `json:"errorText"`
}

// parseStream decodes every data frame; [DONE] becomes an event of that type.
func parseStream(t *testing.T, body string) []streamEvent {
	t.Helper()
	var out []streamEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		payload := strings.TrimPrefix(block, "data: ")
		if payload == "[DONE]" {
			out = append(out, streamEvent{Type: "[DONE]"})
			continue
		}
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &ev), "payload=%q", payload)
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []streamEvent) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func text(evs []streamEvent) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Type == "text-delta" {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func chatBody(model string) string {
	return fmt.Sprintf(`{"messages":[{"id":"m1","role":"user","parts":[{"type":"text","text":"Hello"}]}],"model":%q}`, model)
}

// ---- constructor

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

// ---- Lambda Function URL

func TestHandle_OpenAIModelStreams(t *testing.T) {
	g := &fakeProvider{tokens: []string{"wrong"}}
	o := &fakeProvider{tokens: []string{"Hi", " there"}}
	h := newTestHandler(t, g, o)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/api/chat", chatBody("gpt-4o")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Headers["Content-Type"])
	require.Equal(t, "v1", resp.Headers["X-Vercel-Ai-Ui-Message-Stream"])
	require.Equal(t, "generated-id", resp.Headers["X-Correlation-Id"])

	evs := parseStream(t, readBody(t, resp))
	require.Equal(t, []string{
		"start", "start-step", "text-start", "text-delta", "text-delta",
		"text-end", "finish-step", "finish", "[DONE]",
	}, eventTypes(evs))
	require.Equal(t, "generated-id", evs[0].MessageID)
	require.Equal(t, "Hi there", text(evs))
	require.Equal(t, []string{"gpt-4o"}, o.calledWith())
	require.Empty(t, g.calledWith())
}

func TestHandle_UnknownModelFallsBackToDefault(t *testing.T) {
	g := &fakeProvider{tokens: []string{"ok"}}
	o := &fakeProvider{}
	h := newTestHandler(t, g, o)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/api/chat", chatBody("not-a-real-model")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", text(parseStream(t, readBody(t, resp))))
	require.Equal(t, []string{"gemini-2.0-flash"}, g.calledWith())
	require.Empty(t, o.calledWith())
}

func TestHandle_MissingMessages(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		reason string
	}{
		{name: "absent", body: `{"model":"gpt-4o"}`, reason: "missing_messages"},
		{name: "null", body: `{"messages":null}`, reason: "missing_messages"},
		{name: "empty", body: `{"messages":[]}`, reason: "empty_messages"},
		{name: "not an array", body: `{"messages":"hi"}`, reason: "invalid_messages"},
		{name: "not json", body: `not-json`, reason: "invalid_body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := &fakeProvider{}
			h := newTestHandler(t, g, &fakeProvider{})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/api/chat", tc.body))
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			out := parseBody[errorResponse](t, readBody(t, resp))
			require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
			require.Equal(t, tc.reason, out.Reason)
			require.Empty(t, g.calledWith())
		})
	}
}

func TestHandle_MidStreamErrorFramed(t *testing.T) {
	o := &fakeProvider{tokens: []string{"partial"}, midErr: errors.New("connection reset")}
	h := newTestHandler(t, &fakeProvider{}, o)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/api/chat", chatBody("gpt-4o-mini")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	evs := parseStream(t, readBody(t, resp))
	require.Equal(t, []string{"start", "start-step", "text-start", "text-delta", "error", "[DONE]"}, eventTypes(evs))
	require.Equal(t, "upstream_error", evs[4].ErrorText)
}

func TestHandle_Base64Body(t *testing.T) {
	o := &fakeProvider{tokens: []string{"ok"}}
	h := newTestHandler(t, &fakeProvider{}, o)

	event := makeEvent(http.MethodPost, "/api/chat", base64.StdEncoding.EncodeToString([]byte(chatBody("gpt-4o"))))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", text(parseStream(t, readBody(t, resp))))
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_conversation"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "upstream_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "credential_missing"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "route_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{err: tc.err}
			h, err := NewHandler(svc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/api/chat", chatBody("gpt-4o")))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, readBody(t, resp))
			require.Equal(t, tc.code, out.Error)
			require.Equal(t, "gpt-4o", svc.in.Model)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	svc := &stubService{err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "upstream_rate_limited"}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/api/chat", chatBody("gpt-4o"))
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
	require.Equal(t, "corr-123", svc.in.CorrelationID)
}

func TestHandle_Models(t *testing.T) {
	h := newTestHandler(t, &fakeProvider{}, &fakeProvider{})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/models", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[modelsResponse](t, readBody(t, resp))
	require.Equal(t, "gemini-2.0-flash", out.Default)
	require.Len(t, out.Models, 6)
	require.Equal(t, "gemini-2.0-flash", out.Models[0].ID)
}

func TestHandle_UnknownRoutes(t *testing.T) {
	h := newTestHandler(t, &fakeProvider{}, &fakeProvider{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/chat", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_ModelUsage(t *testing.T) {
	usage := &fakeUsage{
		counter: domain.ModelCounter{Model: "gpt-4o", Requests: 3, LastActivity: "2026-02-25T10:00:00Z"},
		recent: []domain.RequestRecord{
			{CorrelationID: "c1", RequestedModel: "gpt-4o", Model: "gpt-4o", Outcome: domain.OutcomeCompleted, Chars: 10, DurationMillis: 120, CreatedAt: "2026-02-25T09:00:00Z"},
			{CorrelationID: "c2", RequestedModel: "nope", Model: "gpt-4o", Fallback: true, Outcome: domain.OutcomeFailed, Reason: "upstream_error"},
		},
	}
	h := newTestHandler(t, &fakeProvider{}, &fakeProvider{}, WithUsage(usage))

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/api/models/gpt-4o/usage", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gpt-4o", usage.lastModel)
	require.Equal(t, defaultUsageLimit, usage.lastLimit)

	out := parseBody[usageResponse](t, readBody(t, resp))
	require.Equal(t, "gpt-4o", out.Model)
	require.Equal(t, 3, out.Requests)
	require.Equal(t, "2026-02-25T10:00:00Z", out.LastActivity)
	require.Len(t, out.Recent, 2)
	require.Equal(t, "c1", out.Recent[0].CorrelationID)
	require.Equal(t, "2026-02-25T09:00:00Z", out.Recent[0].CreatedAt)
	require.True(t, out.Recent[1].Fallback)
	require.Equal(t, "upstream_error", out.Recent[1].Reason)
}

func TestHandle_ModelUsageLimit(t *testing.T) {
	usage := &fakeUsage{}
	h := newTestHandler(t, &fakeProvider{}, &fakeProvider{}, WithUsage(usage))

	ev := makeEvent(http.MethodGet, "/api/models/gpt-4o/usage", "")
	ev.QueryStringParameters = map[string]string{"limit": "500"}
	resp, err := h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, maxUsageLimit, usage.lastLimit)
	require.JSONEq(t, `{"model":"gpt-4o","requests":0,"recent":[]}`, readBody(t, resp))

	ev.QueryStringParameters = map[string]string{"limit": "-1"}
	resp, err = h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_limit", parseBody[errorResponse](t, readBody(t, resp)).Reason)
}

func TestHandle_ModelUsageErrors(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		method     string
		path       string
		wantStatus int
		wantReason string
	}{
		{
			name:       "ledger not configured",
			method:     http.MethodGet,
			path:       "/api/models/gpt-4o/usage",
			wantStatus: http.StatusNotFound,
			wantReason: "usage_disabled",
		},
		{
			name:       "unknown model",
			opts:       []Option{WithUsage(&fakeUsage{})},
			method:     http.MethodGet,
			path:       "/api/models/not-a-model/usage",
			wantStatus: http.StatusNotFound,
			wantReason: "unknown_model",
		},
		{
			name:       "counter read fails",
			opts:       []Option{WithUsage(&fakeUsage{counterErr: errors.New("throttled")})},
			method:     http.MethodGet,
			path:       "/api/models/gpt-4o/usage",
			wantStatus: http.StatusInternalServerError,
			wantReason: "ledger_error",
		},
		{
			name:       "history read fails",
			opts:       []Option{WithUsage(&fakeUsage{recentErr: errors.New("throttled")})},
			method:     http.MethodGet,
			path:       "/api/models/gpt-4o/usage",
			wantStatus: http.StatusInternalServerError,
			wantReason: "ledger_error",
		},
		{
			name:       "wrong method",
			opts:       []Option{WithUsage(&fakeUsage{})},
			method:     http.MethodPost,
			path:       "/api/models/gpt-4o/usage",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeProvider{}, &fakeProvider{}, tt.opts...)
			resp, err := h.Handle(context.Background(), makeEvent(tt.method, tt.path, ""))
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			require.Equal(t, tt.wantReason, parseBody[errorResponse](t, readBody(t, resp)).Reason)
		})
	}
}

func TestUsageModel(t *testing.T) {
	require.Equal(t, "gpt-4o", usageModel("/api/models/gpt-4o/usage"))
	require.Empty(t, usageModel("/api/models//usage"))
	require.Empty(t, usageModel("/api/models/a/b/usage"))
	require.Empty(t, usageModel("/api/models/gpt-4o"))
	require.Empty(t, usageModel("/api/models"))
}

// ---- net/http

func TestRoutes_ChatStreams(t *testing.T) {
	o := &fakeProvider{tokens: []string{"a", "b"}}
	h := newTestHandler(t, &fakeProvider{}, o)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody("gpt-3.5-turbo")))
	req.Header.Set("X-Correlation-Id", "local-1")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "local-1", rec.Header().Get("X-Correlation-Id"))
	require.True(t, rec.Flushed)

	evs := parseStream(t, rec.Body.String())
	require.Equal(t, "local-1", evs[0].MessageID)
	require.Equal(t, "ab", text(evs))
	require.Equal(t, "[DONE]", evs[len(evs)-1].Type)
}

func TestRoutes_ChatRejectsMissingMessages(t *testing.T) {
	h := newTestHandler(t, &fakeProvider{}, &fakeProvider{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, "missing_messages", out.Reason)
}

func TestRoutes_HealthAndModels(t *testing.T) {
	h := newTestHandler(t, &fakeProvider{}, &fakeProvider{})
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_ModelUsage(t *testing.T) {
	usage := &fakeUsage{counter: domain.ModelCounter{Model: "gemini-1.5-pro", Requests: 1}}
	h := newTestHandler(t, &fakeProvider{}, &fakeProvider{}, WithUsage(usage))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models/gemini-1.5-pro/usage?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gemini-1.5-pro", usage.lastModel)
	require.Equal(t, 5, usage.lastLimit)

	out := parseBody[usageResponse](t, rec.Body.String())
	require.Equal(t, 1, out.Requests)
	require.Empty(t, out.Recent)
}
