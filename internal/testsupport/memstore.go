// Package testsupport provides in-memory stand-ins for the Postgres stores
// and the mailer so services can be exercised end to end in unit tests.
package testsupport

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/model"
	"github.com/unclebandit/mailcampaign/internal/repository"
)

// MemStore holds campaigns, queue items and subscribers in memory with the
// same conditional-update semantics as the SQL repositories.
type MemStore struct {
	mu          sync.Mutex
	campaigns   map[int64]*model.Campaign
	items       map[int64]*model.QueueItem
	subscribers map[int64]*model.Subscriber
	lists       map[int64][]int64

	nextCampaign   int64
	nextItem       int64
	nextSubscriber int64

	// CreateErr, when set, makes CreateWithItems fail without storing anything.
	CreateErr error
	// EnsureCalls records the size of every EnsureExternal call.
	EnsureCalls []int
}

func NewMemStore() *MemStore {
	return &MemStore{
		campaigns:   make(map[int64]*model.Campaign),
		items:       make(map[int64]*model.QueueItem),
		subscribers: make(map[int64]*model.Subscriber),
		lists:       make(map[int64][]int64),
	}
}

func (m *MemStore) Campaigns() *CampaignStore { return &CampaignStore{m} }
func (m *MemStore) Queue() *QueueStore { return &QueueStore{m} }
func (m *MemStore) Subscribers() *SubscriberStore { return &SubscriberStore{m} }

// AddSubscriber stores a subscriber with the email as given and adds it to
// the given lists.
func (m *MemStore) AddSubscriber(email, firstName, lastName string, status model.SubscriberStatus, listIDs ...int64) *model.Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubscriber++
	s := &model.Subscriber{
		ID:        m.nextSubscriber,
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		Status:    status,
		Token:     "tok-" + strings.ToLower(email),
		CreatedAt: time.Now(),
	}
	m.subscribers[s.ID] = s
	for _, l := range listIDs {
		m.lists[l] = append(m.lists[l], s.ID)
	}
	c := *s
	return &c
}

func (m *MemStore) SetSubscriberStatus(id int64, status model.SubscriberStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.subscribers[id]; s != nil {
		s.Status = status
	}
}

// Campaign returns a copy of the stored campaign, or nil.
func (m *MemStore) Campaign(id int64) *model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c == nil {
		return nil
	}
	return cloneCampaign(c)
}

// Item returns a copy of the stored queue item, or nil.
func (m *MemStore) Item(id int64) *model.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil {
		return nil
	}
	return cloneItem(it)
}

// Items returns copies of a campaign's items in id order.
func (m *MemStore) Items(campaignID int64) []*model.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.QueueItem
	for _, id := range m.sortedItemIDs() {
		it := m.items[id]
		if it.CampaignID != nil && *it.CampaignID == campaignID {
			out = append(out, cloneItem(it))
		}
	}
	return out
}

// UpdateItem applies fn to the stored item, for arranging test state.
func (m *MemStore) UpdateItem(id int64, fn func(*model.QueueItem)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it := m.items[id]; it != nil {
		fn(it)
	}
}

func (m *MemStore) sortedItemIDs() []int64 {
	ids := make([]int64, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MemStore) statsLocked(match func(*model.QueueItem) bool) model.QueueStats {
	var stats model.QueueStats
	for _, it := range m.items {
		if match(it) {
			stats.Add(it.Status, 1)
		}
	}
	return stats
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	out := *c
	out.ListRefs = append([]int64(nil), c.ListRefs...)
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneItem(it *model.QueueItem) *model.QueueItem {
	out := *it
	if it.CampaignID != nil {
		id := *it.CampaignID
		out.CampaignID = &id
	}
	if it.SentAt != nil {
		t := *it.SentAt
		out.SentAt = &t
	}
	return &out
}

func page[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return []T{}
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}

// ====================== campaigns ======================

type CampaignStore struct{ m *MemStore }

func (s *CampaignStore) CreateWithItems(_ context.Context, c *model.Campaign, items []*model.QueueItem) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = model.CampaignPending
	}
	if c.Kind == "" {
		c.Kind = model.KindCampaign
	}

	m.nextCampaign++
	c.ID = m.nextCampaign
	m.campaigns[c.ID] = cloneCampaign(c)
	for _, it := range items {
		id := c.ID
		it.CampaignID = &id
		m.nextItem++
		it.ID = m.nextItem
		m.items[it.ID] = cloneItem(it)
	}
	return nil
}

func (s *CampaignStore) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	if c := s.m.Campaign(id); c != nil {
		return c, nil
	}
	return nil, appErrors.NewCampaignNotFound(id)
}

func (s *CampaignStore) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.campaigns {
		if status == "" || string(c.Status) == status {
			all = append(all, cloneCampaign(c))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, offset, limit), len(all), nil
}

func (s *CampaignStore) MarkProcessing(_ context.Context, id int64) (bool, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c == nil || c.Status != model.CampaignPending {
		return false, nil
	}
	c.Status = model.CampaignProcessing
	return true, nil
}

func (s *CampaignStore) CompleteIfDone(_ context.Context, id int64, now time.Time) (bool, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c == nil || !c.Status.Cancellable() {
		return false, nil
	}
	for _, it := range m.items {
		if it.CampaignID != nil && *it.CampaignID == id && !it.Status.Terminal() {
			return false, nil
		}
	}
	c.Status = model.CampaignCompleted
	c.CompletedAt = &now
	return true, nil
}

func (s *CampaignStore) Cancel(_ context.Context, id int64, now time.Time, reason string) (int64, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c == nil || !c.Status.Cancellable() {
		return 0, repository.ErrNoTransition
	}
	c.Status = model.CampaignCancelled
	c.CompletedAt = &now

	var n int64
	for _, it := range m.items {
		if it.CampaignID != nil && *it.CampaignID == id && !it.Status.Terminal() {
			it.Status = model.QueueCancelled
			it.ErrorMessage = reason
			it.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *CampaignStore) GetCampaignStats(_ context.Context, campaignID int64) (model.QueueStats, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked(func(it *model.QueueItem) bool {
		return it.CampaignID != nil && *it.CampaignID == campaignID
	}), nil
}

// ====================== queue ======================

type QueueStore struct{ m *MemStore }

func (s *QueueStore) GetByID(_ context.Context, id int64) (*model.QueueItem, error) {
	if it := s.m.Item(id); it != nil {
		return it, nil
	}
	return nil, appErrors.NewQueueItemNotFound(id)
}

func (s *QueueStore) ListByCampaign(_ context.Context, campaignID int64, status string, offset, limit int) ([]*model.QueueItem, int, error) {
	var all []*model.QueueItem
	for _, it := range s.m.Items(campaignID) {
		if status == "" || string(it.Status) == status {
			all = append(all, it)
		}
	}
	return page(all, offset, limit), len(all), nil
}

func (s *QueueStore) Stats(context.Context) (model.QueueStats, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked(func(*model.QueueItem) bool { return true }), nil
}

func (s *QueueStore) RecoverStuck(_ context.Context, cutoff, now time.Time) (int64, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, it := range m.items {
		if it.Status == model.QueueProcessing && it.UpdatedAt.Before(cutoff) {
			it.Status = model.QueuePending
			it.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *QueueStore) DueSubscriberItems(_ context.Context, now time.Time, limit int) ([]*model.DueItem, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*model.DueItem
	for _, id := range m.sortedItemIDs() {
		if len(due) >= limit {
			break
		}
		it := m.items[id]
		if it.Status != model.QueuePending || it.Recipient.Kind != model.RecipientSubscriber || it.ScheduledAt.After(now) {
			continue
		}
		sub := m.subscribers[it.Recipient.SubscriberID]
		if sub == nil || sub.Status != model.SubscriberActive {
			continue
		}
		due = append(due, &model.DueItem{
			Item:      cloneItem(it),
			Email:     sub.Email,
			FirstName: sub.FirstName,
			LastName:  sub.LastName,
			Token:     sub.Token,
		})
	}
	return due, nil
}

func (s *QueueStore) DueExternalItems(_ context.Context, now time.Time, limit int) ([]*model.DueItem, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*model.DueItem
	for _, id := range m.sortedItemIDs() {
		if len(due) >= limit {
			break
		}
		it := m.items[id]
		if it.Status != model.QueuePending || it.Recipient.Kind != model.RecipientExternal || it.ScheduledAt.After(now) {
			continue
		}
		d := &model.DueItem{
			Item:      cloneItem(it),
			Email:     it.Recipient.Email,
			FirstName: it.Recipient.FirstName,
			LastName:  it.Recipient.LastName,
		}
		if sub := m.subscribers[it.Recipient.SubscriberID]; sub != nil {
			d.Token = sub.Token
		}
		due = append(due, d)
	}
	return due, nil
}

func (s *QueueStore) Claim(_ context.Context, id int64, now time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil || it.Status != model.QueuePending {
		return repository.ErrNotClaimed
	}
	it.Status = model.QueueProcessing
	it.Attempts++
	it.UpdatedAt = now
	return nil
}

func (s *QueueStore) MarkSent(_ context.Context, id int64, now time.Time) error {
	return s.finish(id, func(it *model.QueueItem) bool { return it.Status == model.QueueProcessing }, func(it *model.QueueItem) {
		it.Status = model.QueueSent
		it.SentAt = &now
		it.ErrorMessage = ""
		it.UpdatedAt = now
	})
}

func (s *QueueStore) MarkFailed(_ context.Context, id int64, now time.Time, message string) error {
	return s.finish(id, func(it *model.QueueItem) bool { return it.Status == model.QueueProcessing }, func(it *model.QueueItem) {
		it.Status = model.QueueFailed
		it.ErrorMessage = message
		it.UpdatedAt = now
	})
}

func (s *QueueStore) Cancel(_ context.Context, id int64, now time.Time, reason string) error {
	return s.finish(id, func(it *model.QueueItem) bool { return !it.Status.Terminal() }, func(it *model.QueueItem) {
		it.Status = model.QueueCancelled
		it.ErrorMessage = reason
		it.UpdatedAt = now
	})
}

func (s *QueueStore) finish(id int64, guard func(*model.QueueItem) bool, apply func(*model.QueueItem)) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil || !guard(it) {
		return repository.ErrNoTransition
	}
	apply(it)
	return nil
}

// ====================== subscribers ======================

type SubscriberStore struct{ m *MemStore }

func (s *SubscriberStore) GetByIDs(_ context.Context, ids []int64) ([]*model.Subscriber, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	var out []*model.Subscriber
	for _, id := range ids {
		if sub := m.subscribers[id]; sub != nil && !seen[id] {
			seen[id] = true
			c := *sub
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *SubscriberStore) ListByLists(ctx context.Context, listIDs []int64) ([]*model.Subscriber, error) {
	s.m.mu.Lock()
	var ids []int64
	for _, l := range listIDs {
		ids = append(ids, s.m.lists[l]...)
	}
	s.m.mu.Unlock()
	return s.GetByIDs(ctx, ids)
}

func (s *SubscriberStore) EnsureExternal(_ context.Context, subs []*model.Subscriber) ([]*model.Subscriber, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnsureCalls = append(m.EnsureCalls, len(subs))

	byEmail := map[string]*model.Subscriber{}
	for _, sub := range m.subscribers {
		byEmail[strings.ToLower(sub.Email)] = sub
	}
	var out []*model.Subscriber
	for _, in := range subs {
		if in.Email == "" {
			return nil, errors.New("empty email")
		}
		sub := byEmail[strings.ToLower(in.Email)]
		if sub == nil {
			m.nextSubscriber++
			c := *in
			c.ID = m.nextSubscriber
			sub = &c
			m.subscribers[sub.ID] = sub
			byEmail[strings.ToLower(sub.Email)] = sub
		}
		c := *sub
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var (
	_ repository.CampaignRepositoryInterface   = (*CampaignStore)(nil)
	_ repository.QueueRepositoryInterface      = (*QueueStore)(nil)
	_ repository.SubscriberRepositoryInterface = (*SubscriberStore)(nil)
)
