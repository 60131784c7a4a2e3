// Package catalog is the static, ordered registry of selectable models.
// It is the single source of truth for the UI model picker and the provider
// router. The first entry is the suggested default.
package catalog

import "chatku/internal/domain"

// DefaultModelID is substituted for any model id the registry does not know.
const DefaultModelID = "gemini-2.0-flash"

var models = []domain.ModelDescriptor{
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Provider: domain.ProviderGoogle},
	{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", Provider: domain.ProviderGoogle},
	{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", Provider: domain.ProviderGoogle},
	{ID: "gpt-4o", Name: "GPT-4o", Provider: domain.ProviderOpenAI},
	{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Provider: domain.ProviderOpenAI},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Provider: domain.ProviderOpenAI},
}

// Models returns the registry in presentation order. The slice is a copy.
func Models() []domain.ModelDescriptor {
	out := make([]domain.ModelDescriptor, len(models))
	copy(out, models)
	return out
}

// Lookup returns the descriptor registered under id.
func Lookup(id string) (domain.ModelDescriptor, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return domain.ModelDescriptor{}, false
}
