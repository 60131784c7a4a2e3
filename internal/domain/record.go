package domain

// Outcomes recorded for a streamed chat request.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// RequestRecord is the content-free ledger entry written for each streamed
// chat request. It never carries message text.
type RequestRecord struct {
	PK             string
	SK             string
	CorrelationID  string
	RequestedModel string
	Model          string
	Provider       Provider
	Fallback       bool
	Outcome        string
	Reason         string
	Chars          int
	DurationMillis int64
	// CreatedAt is RFC 3339 with nanoseconds, set when the record is written.
	CreatedAt string
	TTL       int64
}

// ModelCounter stores aggregate request counts for one model.
type ModelCounter struct {
	PK           string
	SK           string
	Model        string
	LastActivity string
	Requests     int
	TTL          int64
}
