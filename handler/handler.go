package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chatku/internal/catalog"
	"chatku/internal/domain"
	"chatku/internal/uistream"
	"chatku/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 4 << 20

	defaultUsageLimit = 20
	maxUsageLimit     = 100
)

// ChatStreamer is satisfied by *usecase.ChatService.
type ChatStreamer interface {
	Stream(ctx context.Context, in usecase.StreamInput) (usecase.StreamOutput, error)
}

// UsageReader is satisfied by *repository.Client.
type UsageReader interface {
	GetModelCounter(ctx context.Context, model string) (domain.ModelCounter, error)
	GetRecentRequests(ctx context.Context, model string, limit int) ([]domain.RequestRecord, error)
}

type chatRequest struct {
	Messages json.RawMessage `json:"messages"`
	Model    string          `json:"model"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type modelsResponse struct {
	Models  []domain.ModelDescriptor `json:"models"`
	Default string                   `json:"default"`
}

type usageEntry struct {
	CorrelationID  string `json:"correlationId"`
	RequestedModel string `json:"requestedModel"`
	Fallback       bool   `json:"fallback"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason,omitempty"`
	Chars          int    `json:"chars"`
	DurationMillis int64  `json:"durationMs"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

type usageResponse struct {
	Model        string       `json:"model"`
	Requests     int          `json:"requests"`
	LastActivity string       `json:"lastActivity,omitempty"`
	Recent       []usageEntry `json:"recent"`
}

// Handler serves the chat API both as a Lambda Function URL with response
// streaming and as a plain net/http handler.
type Handler struct {
	svc   ChatStreamer
	usage UsageReader
	newID func() string
}

type Option func(*Handler)

// WithUsage enables GET /api/models/{id}/usage backed by the request ledger.
func WithUsage(r UsageReader) Option {
	return func(h *Handler) {
		h.usage = r
	}
}

func NewHandler(svc ChatStreamer, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat streamer must not be nil")
	}
	h := &Handler{svc: svc, newID: uuid.NewString}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// reply is a finished, non-streaming response.
type reply struct {
	status int
	body   any
}

// Handle is the Lambda entry point. Chat responses are streamed through a
// pipe filled by a goroutine; everything else is a buffered JSON body.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	correlationID := h.correlationID(req.Headers)
	method := req.RequestContext.HTTP.Method
	path := req.RawPath
	if path == "" {
		path = req.RequestContext.HTTP.Path
	}

	switch {
	case path == "/api/chat" && method == http.MethodPost:
		body := []byte(req.Body)
		if req.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				return lambdaJSON(correlationID, reply{http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}}), nil
			}
			body = decoded
		}
		out, rep := h.openChat(ctx, body, correlationID)
		if rep != nil {
			return lambdaJSON(correlationID, *rep), nil
		}

		pr, pw := io.Pipe()
		// Unblock pending pipe writes once the invocation is over.
		stop := context.AfterFunc(ctx, func() { _ = pr.CloseWithError(ctx.Err()) })
		go func() {
			defer stop()
			writeStream(ctx, pw, out, correlationID)
			_ = pw.Close()
		}()
		headers := make(map[string]string, len(uistream.Headers)+1)
		for k, v := range uistream.Headers {
			headers[k] = v
		}
		headers[correlationHeader] = correlationID
		return &events.LambdaFunctionURLStreamingResponse{
			StatusCode: http.StatusOK,
			Headers:    headers,
			Body:       pr,
		}, nil
	case path == "/api/models" && method == http.MethodGet:
		return lambdaJSON(correlationID, modelsReply()), nil
	case usageModel(path) != "" && method == http.MethodGet:
		return lambdaJSON(correlationID, h.usageReply(ctx, usageModel(path), req.QueryStringParameters["limit"])), nil
	case path == "/api/chat" || path == "/api/models" || usageModel(path) != "":
		return lambdaJSON(correlationID, reply{http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"}}), nil
	default:
		return lambdaJSON(correlationID, reply{http.StatusNotFound, errorResponse{Error: "NOT_FOUND"}}), nil
	}
}

// Routes returns the local-mode HTTP surface.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", h.serveChat)
	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, h.correlationIDFromHTTP(r), modelsReply())
	})
	mux.HandleFunc("GET /api/models/{id}/usage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, h.correlationIDFromHTTP(r), h.usageReply(r.Context(), r.PathValue("id"), r.URL.Query().Get("limit")))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, h.correlationIDFromHTTP(r), reply{http.StatusOK, map[string]bool{"ok": true}})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, h.correlationIDFromHTTP(r), reply{http.StatusNotFound, errorResponse{Error: "NOT_FOUND"}})
	})
	return mux
}

func (h *Handler) serveChat(w http.ResponseWriter, r *http.Request) {
	correlationID := h.correlationIDFromHTTP(r)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, correlationID, reply{http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}})
		return
	}

	out, rep := h.openChat(r.Context(), body, correlationID)
	if rep != nil {
		writeJSON(w, correlationID, *rep)
		return
	}

	for k, v := range uistream.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set(correlationHeader, correlationID)
	w.WriteHeader(http.StatusOK)
	writeStream(r.Context(), w, out, correlationID)
}

// openChat decodes the request and opens the upstream stream. A non-nil
// reply means the request ended before any stream byte was produced.
func (h *Handler) openChat(ctx context.Context, body []byte, correlationID string) (usecase.StreamOutput, *reply) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return usecase.StreamOutput{}, &reply{http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}}
	}

	var messages []domain.UIMessage
	if raw := strings.TrimSpace(string(req.Messages)); raw != "" && raw != "null" {
		if err := json.Unmarshal(req.Messages, &messages); err != nil {
			return usecase.StreamOutput{}, &reply{http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_messages"}}
		}
	}

	out, err := h.svc.Stream(ctx, usecase.StreamInput{
		Messages:      messages,
		Model:         req.Model,
		CorrelationID: correlationID,
	})
	if err != nil {
		rep := errorReply(err)
		slog.WarnContext(ctx, "chat request rejected",
			"correlation_id", correlationID, "status", rep.status, "err", err)
		return usecase.StreamOutput{}, &rep
	}
	slog.InfoContext(ctx, "chat stream opened",
		"correlation_id", correlationID, "provider", out.Route.Provider,
		"model", out.Route.Model, "fallback", out.Fallback)
	return out, nil
}

// writeStream relays tokens as UI message stream events. A failed write
// stops the relay, which releases the upstream connection.
func writeStream(ctx context.Context, w io.Writer, out usecase.StreamOutput, messageID string) {
	sw := uistream.NewWriter(w)
	if err := sw.Start(messageID); err != nil {
		drain(out)
		return
	}
	for tok, err := range out.Tokens {
		if err != nil {
			if werr := sw.Fail(errorText(err)); werr != nil {
				slog.DebugContext(ctx, "stream error frame not delivered", "correlation_id", messageID, "err", werr)
			}
			return
		}
		if err := sw.Delta(tok); err != nil {
			slog.DebugContext(ctx, "client went away", "correlation_id", messageID, "err", err)
			return
		}
	}
	if err := sw.Finish(); err != nil {
		slog.DebugContext(ctx, "finish frame not delivered", "correlation_id", messageID, "err", err)
	}
}

// drain stops the token sequence right away.
func drain(out usecase.StreamOutput) {
	for range out.Tokens {
		break
	}
}

func errorText(err error) string {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) && ucErr.Reason != "" {
		return ucErr.Reason
	}
	return "internal_error"
}

func errorReply(err error) reply {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return reply{http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "unexpected_error"}}
	}
	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
	}
	return reply{status, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}}
}

// usageModel extracts {id} from /api/models/{id}/usage, or returns "".
func usageModel(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/models/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/usage")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// usageReply reports ledger counts for a catalog model. Usage is only
// served when a ledger is configured.
func (h *Handler) usageReply(ctx context.Context, model, rawLimit string) reply {
	if h.usage == nil {
		return reply{http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "usage_disabled"}}
	}
	if _, ok := catalog.Lookup(model); !ok {
		return reply{http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "unknown_model"}}
	}
	limit := defaultUsageLimit
	if rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 {
			return reply{http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_limit"}}
		}
		limit = min(n, maxUsageLimit)
	}

	counter, err := h.usage.GetModelCounter(ctx, model)
	if err != nil {
		slog.ErrorContext(ctx, "usage counter read failed", "model", model, "err", err)
		return reply{http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "ledger_error"}}
	}
	recs, err := h.usage.GetRecentRequests(ctx, model, limit)
	if err != nil {
		slog.ErrorContext(ctx, "usage history read failed", "model", model, "err", err)
		return reply{http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "ledger_error"}}
	}

	recent := make([]usageEntry, 0, len(recs))
	for _, rec := range recs {
		recent = append(recent, usageEntry{
			CorrelationID:  rec.CorrelationID,
			RequestedModel: rec.RequestedModel,
			Fallback:       rec.Fallback,
			Outcome:        rec.Outcome,
			Reason:         rec.Reason,
			Chars:          rec.Chars,
			DurationMillis: rec.DurationMillis,
			CreatedAt:      rec.CreatedAt,
		})
	}
	return reply{http.StatusOK, usageResponse{
		Model:        model,
		Requests:     counter.Requests,
		LastActivity: counter.LastActivity,
		Recent:       recent,
	}}
}

func modelsReply() reply {
	return reply{http.StatusOK, modelsResponse{Models: catalog.Models(), Default: catalog.DefaultModelID}}
}

func (h *Handler) correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return h.newID()
}

func (h *Handler) correlationIDFromHTTP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(correlationHeader)); v != "" {
		return v
	}
	return h.newID()
}

func encodeBody(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return raw
}

func lambdaJSON(correlationID string, rep reply) *events.LambdaFunctionURLStreamingResponse {
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: rep.status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: strings.NewReader(string(encodeBody(rep.body))),
	}
}

func writeJSON(w http.ResponseWriter, correlationID string, rep reply) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(correlationHeader, correlationID)
	w.WriteHeader(rep.status)
	_, _ = w.Write(encodeBody(rep.body))
}
