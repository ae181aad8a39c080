package payment

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/workloom/backend/internal/domain"
)

// Provider verifies and normalizes webhook deliveries of one payment provider.
type Provider interface {
	Name() string
	// Parse verifies the delivery signature and extracts the event. A failed
	// verification returns an error wrapping domain.ErrInvalidSignature.
	Parse(header http.Header, body []byte) (*Delivery, error)
	// Normalize maps a stored payload onto a canonical event type and the facts
	// needed to apply it. It performs no verification.
	Normalize(payload domain.Document) (eventType string, facts domain.EventFacts)
}

// Delivery is a verified webhook event mapped onto canonical event names.
type Delivery struct {
	EventID string
	// EventType is the canonical name (domain.EventSubscription*) when the
	// provider type has one, otherwise the provider's own type.
	EventType string
	RawType   string
	Payload   domain.Document
	Facts     domain.EventFacts
}

// Registry looks providers up by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry registers the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q", name)
	}
	return p, nil
}

// Names lists the registered providers in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// firstString returns the first non-empty string found at paths.
func firstString(doc domain.Document, paths ...string) string {
	for _, p := range paths {
		if v := doc.String(p); v != "" {
			return v
		}
	}
	return ""
}

// firstTime returns the first unix timestamp found at paths, or nil.
func firstTime(doc domain.Document, paths ...string) *time.Time {
	for _, p := range paths {
		if t, ok := doc.Time(p); ok {
			return &t
		}
	}
	return nil
}
