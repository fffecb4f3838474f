package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/logger"
	"github.com/unclebandit/mailcampaign/internal/model"
	"github.com/unclebandit/mailcampaign/internal/repository"
)

// ExternalChunkSize bounds how many external recipients are looked up or
// created per subscriber query.
const ExternalChunkSize = 500

// ExternalRecipient is a recipient supplied inline or by a source, not (yet)
// referenced by subscriber id.
type ExternalRecipient struct {
	Email     string                 `json:"email"`
	FirstName string                 `json:"first_name,omitempty"`
	LastName  string                 `json:"last_name,omitempty"`
	Status    model.SubscriberStatus `json:"status,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
}

type RecipientRequest struct {
	SubscriberIDs []int64
	ListIDs       []int64
	Sources       []string
	External      []ExternalRecipient
}

// ResolvedRecipient is one deduplicated, eligible recipient.
type ResolvedRecipient struct {
	SubscriberID int64
	Email        string
	FirstName    string
	LastName     string
	Token        string
	External     bool
}

// Ref returns the queue-item recipient reference for r.
func (r ResolvedRecipient) Ref() model.RecipientRef {
	var ref model.RecipientRef
	if r.External {
		ref = model.ExternalSnapshot(r.Email, r.FirstName, r.LastName)
	} else {
		ref = model.StoredSubscriber(r.SubscriberID)
		ref.Email, ref.FirstName, ref.LastName = r.Email, r.FirstName, r.LastName
	}
	ref.SubscriberID = r.SubscriberID
	return ref
}

type RecipientResolver struct {
	SubscriberRepo repository.SubscriberRepositoryInterface
	Sources        *SourceRegistry
	ChunkSize      int
	Logger         logger.Logger
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	return email != "" && govalidator.IsEmail(email)
}

// Resolve expands and deduplicates the request. Stored subscribers come
// first in id order, then external recipients in request order. An address
// requested both ways keeps the stored reference; an unsubscribed address is
// dropped no matter how it was requested. Stored subscribers that are not
// active are skipped.
func (r *RecipientResolver) Resolve(ctx context.Context, req RecipientRequest) ([]ResolvedRecipient, error) {
	var (
		order    []string
		byEmail  = map[string]*ResolvedRecipient{}
		excluded = map[string]bool{}
	)

	stored, err := r.storedSubscribers(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		key := NormalizeEmail(s.Email)
		if !validEmail(key) || excluded[key] || byEmail[key] != nil {
			continue
		}
		if s.Status == model.SubscriberUnsubscribed {
			excluded[key] = true
			continue
		}
		// The dispatcher only sends to active subscribers; an unconfirmed one
		// would stay pending forever and hold its campaign open.
		if s.Status != model.SubscriberActive {
			continue
		}
		byEmail[key] = &ResolvedRecipient{
			SubscriberID: s.ID,
			Email:        key,
			FirstName:    s.FirstName,
			LastName:     s.LastName,
			Token:        s.Token,
		}
		order = append(order, key)
	}

	externals := append([]ExternalRecipient{}, req.External...)
	if len(req.Sources) > 0 {
		if r.Sources == nil {
			return nil, appErrors.NewValidationError("no recipient sources are registered")
		}
		fromSources, err := r.Sources.Collect(ctx, req.Sources)
		if err != nil {
			return nil, err
		}
		externals = append(externals, fromSources...)
	}

	var pending []*model.Subscriber
	for _, e := range externals {
		key := NormalizeEmail(e.Email)
		if !validEmail(key) {
			r.log().Debug("dropping invalid external recipient", map[string]interface{}{"email": e.Email})
			continue
		}
		if excluded[key] || byEmail[key] != nil {
			continue
		}
		if e.Status == model.SubscriberUnsubscribed {
			excluded[key] = true
			continue
		}
		byEmail[key] = &ResolvedRecipient{
			Email:     key,
			FirstName: strings.TrimSpace(e.FirstName),
			LastName:  strings.TrimSpace(e.LastName),
			External:  true,
		}
		order = append(order, key)
		pending = append(pending, &model.Subscriber{
			Email:     key,
			FirstName: strings.TrimSpace(e.FirstName),
			LastName:  strings.TrimSpace(e.LastName),
			Status:    model.SubscriberActive,
			Token:     newSubscriberToken(),
			Source:    e.Provider,
			CreatedAt: time.Now(),
		})
	}

	if err := r.linkExternal(ctx, pending, byEmail, excluded); err != nil {
		return nil, err
	}

	resolved := make([]ResolvedRecipient, 0, len(order))
	for _, key := range order {
		if excluded[key] {
			continue
		}
		resolved = append(resolved, *byEmail[key])
	}
	if len(resolved) == 0 {
		return nil, appErrors.NewNoRecipients()
	}
	return resolved, nil
}

func (r *RecipientResolver) storedSubscribers(ctx context.Context, req RecipientRequest) ([]*model.Subscriber, error) {
	var all []*model.Subscriber
	if len(req.SubscriberIDs) > 0 {
		subs, err := r.SubscriberRepo.GetByIDs(ctx, req.SubscriberIDs)
		if err != nil {
			return nil, fmt.Errorf("load subscribers: %w", err)
		}
		all = append(all, subs...)
	}
	if len(req.ListIDs) > 0 {
		subs, err := r.SubscriberRepo.ListByLists(ctx, req.ListIDs)
		if err != nil {
			return nil, fmt.Errorf("expand lists: %w", err)
		}
		all = append(all, subs...)
	}
	return all, nil
}

// linkExternal finds or creates the subscriber rows backing external
// recipients, chunk by chunk, and copies back id and token. Rows that turn
// out to be unsubscribed exclude the address.
func (r *RecipientResolver) linkExternal(ctx context.Context, pending []*model.Subscriber, byEmail map[string]*ResolvedRecipient, excluded map[string]bool) error {
	chunk := r.ChunkSize
	if chunk <= 0 {
		chunk = ExternalChunkSize
	}
	for start := 0; start < len(pending); start += chunk {
		end := start + chunk
		if end > len(pending) {
			end = len(pending)
		}
		rows, err := r.SubscriberRepo.EnsureExternal(ctx, pending[start:end])
		if err != nil {
			return fmt.Errorf("link external recipients: %w", err)
		}
		for _, s := range rows {
			key := NormalizeEmail(s.Email)
			rec := byEmail[key]
			if rec == nil || !rec.External {
				continue
			}
			if s.Status == model.SubscriberUnsubscribed {
				excluded[key] = true
				continue
			}
			rec.SubscriberID = s.ID
			rec.Token = s.Token
		}
	}
	return nil
}

func (r *RecipientResolver) log() logger.Logger {
	if r.Logger == nil {
		return logger.NewNoOpLogger()
	}
	return r.Logger
}

func newSubscriberToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
