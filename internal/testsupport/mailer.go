package testsupport

import (
	"context"
	"sync"

	"github.com/unclebandit/mailcampaign/internal/mailer"
)

// FakeMailer records every message instead of delivering it. Fail, when
// set, decides per message whether the send fails and with which error.
type FakeMailer struct {
	mu      sync.Mutex
	Enabled bool
	Fail    func(msg mailer.Message) string
	Panic   func(msg mailer.Message) bool
	OpenErr error

	sent     []mailer.Message
	attempts int
	opened   int
	closed   int
}

func NewFakeMailer() *FakeMailer {
	return &FakeMailer{Enabled: true}
}

func (f *FakeMailer) IsEnabled() bool { return f.Enabled }

func (f *FakeMailer) Send(ctx context.Context, msg mailer.Message) mailer.Result {
	return f.deliver(msg)
}

func (f *FakeMailer) Open(context.Context) (mailer.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	f.opened++
	return &fakeSession{f: f}, nil
}

func (f *FakeMailer) TestConnection(_ context.Context, to string) mailer.Result {
	res := f.deliver(mailer.Message{To: to, Subject: "Mail delivery test"})
	res.Log = append([]string{"transport: fake"}, res.Log...)
	return res
}

func (f *FakeMailer) deliver(msg mailer.Message) mailer.Result {
	if f.Panic != nil && f.Panic(msg) {
		panic("fake mailer panic for " + msg.To)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.Fail != nil {
		if reason := f.Fail(msg); reason != "" {
			return mailer.Result{OK: false, Error: reason, Log: []string{"error: " + reason}}
		}
	}
	f.sent = append(f.sent, msg)
	return mailer.Result{OK: true, Log: []string{"sent to " + msg.To}}
}

// Sent returns the successfully delivered messages in send order.
func (f *FakeMailer) Sent() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}

func (f *FakeMailer) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// Sessions reports how many sessions were opened and closed.
func (f *FakeMailer) Sessions() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

type fakeSession struct {
	f *FakeMailer
}

func (s *fakeSession) Send(_ context.Context, msg mailer.Message) mailer.Result {
	return s.f.deliver(msg)
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.closed++
	return nil
}

var _ mailer.Mailer = (*FakeMailer)(nil)
