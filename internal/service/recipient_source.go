package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/unclebandit/mailcampaign/internal/config"
	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/model"
)

// SourceRecipient is one recipient reported by an external source.
type SourceRecipient struct {
	ID        string                 `json:"id,omitempty"`
	Email     string                 `json:"email"`
	FirstName string                 `json:"first_name,omitempty"`
	LastName  string                 `json:"last_name,omitempty"`
	Status    model.SubscriberStatus `json:"status,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
}

// RecipientSource is a provider of recipients that live outside the
// subscriber tables (a CRM, a form plugin, a static list).
type RecipientSource interface {
	Name() string
	Recipients(ctx context.Context, selector string) ([]SourceRecipient, error)
}

// SourceRegistry resolves "name" or "name:selector" keys to registered sources.
type SourceRegistry struct {
	mu      sync.RWMutex
	sources map[string]RecipientSource
}

func NewSourceRegistry(sources ...RecipientSource) *SourceRegistry {
	r := &SourceRegistry{sources: make(map[string]RecipientSource)}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

func (r *SourceRegistry) Register(s RecipientSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Name()] = s
}

func (r *SourceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Collect fetches recipients for every key, in key order. An unknown source
// is a validation error.
func (r *SourceRegistry) Collect(ctx context.Context, keys []string) ([]ExternalRecipient, error) {
	var out []ExternalRecipient
	for _, key := range keys {
		name, selector, _ := strings.Cut(strings.TrimSpace(key), ":")
		r.mu.RLock()
		src, ok := r.sources[name]
		r.mu.RUnlock()
		if !ok {
			return nil, appErrors.NewValidationError(fmt.Sprintf("unknown recipient source %q", name))
		}

		recipients, err := src.Recipients(ctx, selector)
		if err != nil {
			return nil, fmt.Errorf("recipient source %s: %w", key, err)
		}
		for _, sr := range recipients {
			provider := sr.Provider
			if provider == "" {
				provider = name
			}
			out = append(out, ExternalRecipient{
				Email:     sr.Email,
				FirstName: sr.FirstName,
				LastName:  sr.LastName,
				Status:    sr.Status,
				Provider:  provider,
			})
		}
	}
	return out, nil
}

// StaticSource serves a fixed recipient list. Entries with an empty
// selector match every selector.
type StaticSource struct {
	name       string
	recipients []staticEntry
}

type staticEntry struct {
	selector  string
	recipient SourceRecipient
}

func NewStaticSource(name string) *StaticSource {
	return &StaticSource{name: name}
}

func (s *StaticSource) Add(selector string, r SourceRecipient) *StaticSource {
	s.recipients = append(s.recipients, staticEntry{selector: selector, recipient: r})
	return s
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Recipients(_ context.Context, selector string) ([]SourceRecipient, error) {
	out := make([]SourceRecipient, 0, len(s.recipients))
	for _, e := range s.recipients {
		if selector == "" || e.selector == "" || e.selector == selector {
			out = append(out, e.recipient)
		}
	}
	return out, nil
}

// StaticSourcesFromConfig builds one StaticSource per configured source.
func StaticSourcesFromConfig(cfgs []config.SourceConfig) []RecipientSource {
	sources := make([]RecipientSource, 0, len(cfgs))
	for _, c := range cfgs {
		src := NewStaticSource(c.Name)
		for _, r := range c.Recipients {
			src.Add(r.Selector, SourceRecipient{Email: r.Email, FirstName: r.FirstName, LastName: r.LastName})
		}
		sources = append(sources, src)
	}
	return sources
}
