package usecase

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"chatku/internal/credentials"
	"chatku/internal/domain"
	"chatku/internal/router"
)

const (
	defaultIdleTimeout = 60 * time.Second
	recordTimeout      = 2 * time.Second
)

// Resolver is satisfied by *router.Router.
type Resolver interface {
	Resolve(modelID string) router.Factory
}

// RequestRecorder persists the content-free ledger entry of a request.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, rec domain.RequestRecord) error
}

// Reporter emits rate-limited diagnostics. *credentials.Diagnostics
// satisfies it.
type Reporter interface {
	Report(ctx context.Context) bool
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService turns a conversation into a live token stream from the
// routed provider.
type ChatService struct {
	router      Resolver
	recorder    RequestRecorder
	diagnostics Reporter
	idleTimeout time.Duration
	now         func() time.Time
}

type ChatOption func(*ChatService)

func WithRecorder(r RequestRecorder) ChatOption {
	return func(s *ChatService) {
		s.recorder = r
	}
}

func WithDiagnostics(r Reporter) ChatOption {
	return func(s *ChatService) {
		s.diagnostics = r
	}
}

// WithIdleTimeout bounds the gap between two upstream tokens, and the wait
// for the first one. Non-positive values keep the default.
func WithIdleTimeout(d time.Duration) ChatOption {
	return func(s *ChatService) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

func NewChatService(r Resolver, opts ...ChatOption) (*ChatService, error) {
	if r == nil {
		return nil, errors.New("usecase: resolver must not be nil")
	}
	s := &ChatService{
		router:      r,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type StreamInput struct {
	// Messages is nil when the request carried no messages field.
	Messages      []domain.UIMessage
	Model         string
	CorrelationID string
}

type StreamOutput struct {
	Route    router.Route
	Fallback bool
	// Tokens yields text deltas. After an error it yields nothing more.
	// Callers must range over it to release the upstream connection.
	Tokens iter.Seq2[string, error]
}

// Stream routes the request, converts the history and opens the upstream
// stream. Failures before the first token is requested are returned as
// *Error; later failures are yielded by Tokens, also as *Error.
func (s *ChatService) Stream(ctx context.Context, in StreamInput) (StreamOutput, error) {
	if in.Messages == nil {
		return StreamOutput{}, newError(ErrorInvalidInput, "missing_messages", nil)
	}
	if len(in.Messages) == 0 {
		return StreamOutput{}, newError(ErrorInvalidInput, "empty_messages", nil)
	}
	if s.diagnostics != nil {
		s.diagnostics.Report(ctx)
	}

	factory := s.router.Resolve(in.Model)
	route := factory.Route()
	rec := domain.RequestRecord{
		CorrelationID:  in.CorrelationID,
		RequestedModel: in.Model,
		Model:          route.Model,
		Provider:       route.Provider,
		Fallback:       factory.Fallback(),
	}
	if factory.Fallback() {
		slog.DebugContext(ctx, "model not in catalog, using default",
			"requested_model", in.Model, "model", route.Model, "correlation_id", in.CorrelationID)
	}

	client, err := factory.New()
	if err != nil {
		return StreamOutput{}, newError(ErrorInternal, "route_error", err)
	}

	messages := ConvertMessages(in.Messages)
	if len(messages) == 0 {
		return StreamOutput{}, newError(ErrorInvalidInput, "empty_conversation", nil)
	}

	started := s.now()
	streamCtx, cancel := context.WithCancel(ctx)
	var idled atomic.Bool
	timer := time.AfterFunc(s.idleTimeout, func() {
		idled.Store(true)
		cancel()
	})

	seq, err := client.Stream(streamCtx, SystemPrompt, messages)
	if err != nil {
		timer.Stop()
		cancel()
		uerr := classifyUpstream(err, idled.Load())
		s.record(ctx, rec, started, 0, uerr)
		return StreamOutput{}, uerr
	}

	tokens := func(yield func(string, error) bool) {
		defer cancel()
		defer timer.Stop()

		chars := 0
		for tok, err := range seq {
			if err != nil {
				uerr := classifyUpstream(err, idled.Load())
				s.record(ctx, rec, started, chars, uerr)
				yield("", uerr)
				return
			}
			// Idle time counts upstream silence only, not a slow consumer.
			timer.Stop()
			chars += len(tok)
			if !yield(tok, nil) {
				s.record(ctx, rec, started, chars, newError(ErrorUpstream, "client_gone", nil))
				return
			}
			timer.Reset(s.idleTimeout)
		}
		s.record(ctx, rec, started, chars, nil)
	}

	return StreamOutput{
		Route:    route,
		Fallback: factory.Fallback(),
		Tokens:   tokens,
	}, nil
}

func classifyUpstream(err error, idled bool) *Error {
	if idled {
		return newError(ErrorUpstream, "stream_idle_timeout", err)
	}
	if errors.Is(err, credentials.ErrMissing) {
		return newError(ErrorUpstream, "credential_missing", err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, "upstream_rate_limited", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(ErrorUpstream, "request_cancelled", err)
	}
	return newError(ErrorUpstream, "upstream_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// record writes the ledger entry. Failures are logged and never reach the
// caller.
func (s *ChatService) record(ctx context.Context, rec domain.RequestRecord, started time.Time, chars int, failure *Error) {
	rec.Chars = chars
	rec.DurationMillis = s.now().Sub(started).Milliseconds()
	rec.Outcome = domain.OutcomeCompleted
	if failure != nil {
		rec.Outcome = domain.OutcomeFailed
		rec.Reason = failure.Reason
	}

	if failure != nil {
		slog.WarnContext(ctx, "chat stream failed",
			"correlation_id", rec.CorrelationID, "model", rec.Model,
			"reason", failure.Reason, "err", failure.Err)
	}

	if s.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.recorder.RecordRequest(recordCtx, rec); err != nil {
		slog.WarnContext(ctx, "request ledger write failed",
			"correlation_id", rec.CorrelationID, "err", err)
	}
}
