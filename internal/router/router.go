// Package router maps a requested model id to a provider client bound to
// one upstream model. Resolution is total: unknown ids are replaced by the
// catalog default before lookup, so every request gets a usable binding.
package router

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"chatku/internal/catalog"
	"chatku/internal/domain"
)

// StreamClient is a long-lived upstream client for one provider family.
// Implementations must be safe for concurrent use; the router adds no
// locking of its own.
type StreamClient interface {
	StreamChat(ctx context.Context, model, system string, messages []domain.ChatMessage) (iter.Seq2[string, error], error)
}

// Clients holds one client per provider family.
type Clients struct {
	Google StreamClient
	OpenAI StreamClient
}

// Route is the tagged binding of a request: a provider family plus the
// upstream model name.
type Route struct {
	Provider domain.Provider
	Model    string
}

// ResolveModelID substitutes catalog.DefaultModelID for ids the catalog does
// not know. fallback reports whether substitution happened.
func ResolveModelID(id string) (resolved string, fallback bool) {
	if _, ok := catalog.Lookup(id); ok {
		return id, false
	}
	return catalog.DefaultModelID, true
}

type Router struct {
	clients Clients
	routes  map[string]Route
}

// New builds the routing table from every catalog entry.
func New(clients Clients) (*Router, error) {
	if clients.Google == nil {
		return nil, errors.New("router: google client must not be nil")
	}
	if clients.OpenAI == nil {
		return nil, errors.New("router: openai client must not be nil")
	}
	routes := make(map[string]Route)
	for _, m := range catalog.Models() {
		routes[m.ID] = Route{Provider: m.Provider, Model: m.ID}
	}
	if _, ok := routes[catalog.DefaultModelID]; !ok {
		return nil, fmt.Errorf("router: default model %q missing from catalog", catalog.DefaultModelID)
	}
	return &Router{clients: clients, routes: routes}, nil
}

// Resolve never fails. No network call happens until the factory's client
// is used.
func (r *Router) Resolve(modelID string) Factory {
	resolved, fallback := ResolveModelID(modelID)
	return Factory{
		route:    r.routes[resolved],
		fallback: fallback,
		clients:  r.clients,
	}
}

// Factory produces the client bound to one route.
type Factory struct {
	route    Route
	fallback bool
	clients  Clients
}

func (f Factory) Route() Route {
	return f.route
}

// Fallback reports whether the requested id was replaced by the default.
func (f Factory) Fallback() bool {
	return f.fallback
}

// New returns the provider client for the factory's route.
func (f Factory) New() (Bound, error) {
	var c StreamClient
	switch f.route.Provider {
	case domain.ProviderGoogle:
		c = f.clients.Google
	case domain.ProviderOpenAI:
		c = f.clients.OpenAI
	default:
		return Bound{}, fmt.Errorf("router: unknown provider %q", f.route.Provider)
	}
	if c == nil {
		return Bound{}, fmt.Errorf("router: no client for provider %q", f.route.Provider)
	}
	return Bound{client: c, route: f.route}, nil
}

// Bound is a provider client fixed to one upstream model.
type Bound struct {
	client StreamClient
	route  Route
}

func (b Bound) Route() Route {
	return b.route
}

// Stream opens a streaming generation. The returned sequence yields text
// deltas and ends after the first error.
func (b Bound) Stream(ctx context.Context, system string, messages []domain.ChatMessage) (iter.Seq2[string, error], error) {
	return b.client.StreamChat(ctx, b.route.Model, system, messages)
}
