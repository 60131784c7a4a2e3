package domain

// Provider identifies an upstream provider family.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderOpenAI Provider = "openai"
)

// ModelDescriptor describes one selectable model. ID is the routing key.
type ModelDescriptor struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider Provider `json:"provider"`
}
