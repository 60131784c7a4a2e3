package credentials

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Diagnostics logs which keys are configured, at most once per interval.
// Key values are never logged.
type Diagnostics struct {
	keys    []*Key
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewDiagnostics(logger *slog.Logger, interval time.Duration, keys ...*Key) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Diagnostics{
		keys:    keys,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger,
	}
}

// Report emits the status line when the limiter allows it and reports
// whether it did.
func (d *Diagnostics) Report(ctx context.Context) bool {
	if d == nil || !d.limiter.Allow() {
		return false
	}
	attrs := make([]any, 0, len(d.keys))
	for _, k := range d.keys {
		attrs = append(attrs, slog.Bool(k.Name(), k.Configured()))
	}
	d.logger.InfoContext(ctx, "credential status", slog.Group("configured", attrs...))
	return true
}
