package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/unclebandit/mailcampaign/internal/config"
	"github.com/unclebandit/mailcampaign/internal/logger"
	"github.com/unclebandit/mailcampaign/internal/runstate"
	"github.com/unclebandit/mailcampaign/internal/service"
	"github.com/unclebandit/mailcampaign/internal/testsupport"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store    *testsupport.MemStore
	mail     *testsupport.FakeMailer
	clock    *testClock
	sources  *service.SourceRegistry
	resolver *service.RecipientResolver
	svc      *service.CampaignService
	disp     *service.Dispatcher
	runState *runstate.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewTestLogger(t)
	store := testsupport.NewMemStore()
	mail := testsupport.NewFakeMailer()
	clock := &testClock{now: baseTime}
	sources := service.NewSourceRegistry()
	tmpl := config.TemplateConfig{UnsubscribeURL: "https://example.com/unsubscribe"}

	resolver := &service.RecipientResolver{
		SubscriberRepo: store.Subscribers(),
		Sources:        sources,
		Logger:         log,
	}
	svc := &service.CampaignService{
		CampaignRepo: store.Campaigns(),
		QueueRepo:    store.Queue(),
		Resolver:     resolver,
		Scheduler:    &service.Scheduler{Now: clock.Now},
		Mailer:       mail,
		Template:     tmpl,
		Logger:       log,
		Now:          clock.Now,
	}
	rs := runstate.NewMemoryStore()
	disp := &service.Dispatcher{
		QueueRepo:    store.Queue(),
		CampaignRepo: store.Campaigns(),
		Mailer:       mail,
		RunState:     rs,
		Template:     tmpl,
		Logger:       log,
		Now:          clock.Now,
	}
	return &testEnv{
		store:    store,
		mail:     mail,
		clock:    clock,
		sources:  sources,
		resolver: resolver,
		svc:      svc,
		disp:     disp,
		runState: rs,
	}
}
