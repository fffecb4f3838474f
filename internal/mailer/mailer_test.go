package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/go-gomail/gomail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailcampaign/internal/config"
	"github.com/unclebandit/mailcampaign/internal/logger"
)

type sentMessage struct {
	from string
	to   []string
	raw  string
}

type fakeConn struct {
	transport *fakeTransport
	closed    bool
}

func (c *fakeConn) Send(from string, to []string, msg io.WriterTo) error {
	if c.transport.sendErr != nil {
		err := c.transport.sendErr
		c.transport.sendErr = nil
		return err
	}
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return err
	}
	c.transport.sent = append(c.transport.sent, sentMessage{from: from, to: to, raw: buf.String()})
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeTransport struct {
	dials   int
	dialErr error
	sendErr error
	sent    []sentMessage
	conns   []*fakeConn
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Dial(context.Context) (gomail.SendCloser, error) {
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := &fakeConn{transport: t}
	t.conns = append(t.conns, c)
	return c, nil
}

var testSender = config.SenderConfig{FromName: "News Desk", FromEmail: "news@example.com", ReplyTo: "reply@example.com"}

func newTestClient(t *testing.T, tr Transport) *Client {
	return NewWithTransport(tr, testSender, true, logger.NewTestLogger(t))
}

func TestSessionReusesConnection(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	s, err := c.Open(context.Background())
	require.NoError(t, err)
	for _, to := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		res := s.Send(context.Background(), Message{To: to, Subject: "Hi", Body: "hello"})
		require.True(t, res.OK, res.Error)
		assert.NotEmpty(t, res.MessageID)
	}
	require.NoError(t, s.Close())

	assert.Equal(t, 1, tr.dials)
	assert.Len(t, tr.sent, 3)
	assert.True(t, tr.conns[0].closed)
}

func TestSessionRedialsAfterFailedSend(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("451 try later")}
	c := newTestClient(t, tr)

	s, err := c.Open(context.Background())
	require.NoError(t, err)
	defer s.Close()

	first := s.Send(context.Background(), Message{To: "a@example.com", Subject: "x", Body: "y"})
	assert.False(t, first.OK)
	assert.Contains(t, first.Error, "451 try later")
	assert.True(t, tr.conns[0].closed)

	second := s.Send(context.Background(), Message{To: "b@example.com", Subject: "x", Body: "y"})
	assert.True(t, second.OK, second.Error)
	assert.Equal(t, 2, tr.dials)
}

func TestOpenReportsDialFailure(t *testing.T) {
	c := newTestClient(t, &fakeTransport{dialErr: errors.New("connection refused")})

	_, err := c.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	res := c.Send(context.Background(), Message{To: "a@example.com", Subject: "x", Body: "y"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "connection refused")
}

func TestBCCReceivesButStaysHidden(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	res := c.Send(context.Background(), Message{
		To:      "reader@example.com",
		ToName:  "Ada Reader",
		Subject: "Weekly",
		Body:    "plain words",
		BCC:     []string{"audit@example.com"},
	})
	require.True(t, res.OK, res.Error)
	require.Len(t, tr.sent, 1)

	got := tr.sent[0]
	assert.Equal(t, "news@example.com", got.from)
	assert.ElementsMatch(t, []string{"reader@example.com", "audit@example.com"}, got.to)
	assert.NotContains(t, got.raw, "audit@example.com")
	assert.Contains(t, got.raw, "Reply-To: reply@example.com")
	assert.Contains(t, got.raw, "Content-Type: text/plain")
	assert.Contains(t, got.raw, "Message-ID: <"+res.MessageID+">")
	assert.True(t, strings.HasSuffix(res.MessageID, "@example.com"))
}

func TestHTMLBodyGetsHTMLContentType(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	res := c.Send(context.Background(), Message{To: "a@example.com", Subject: "x", Body: "<p>Hello</p>"})
	require.True(t, res.OK, res.Error)
	assert.Contains(t, tr.sent[0].raw, "Content-Type: text/html")
}

func TestIsHTML(t *testing.T) {
	assert.True(t, IsHTML("<b>bold</b>"))
	assert.True(t, IsHTML("line<br/>break"))
	assert.False(t, IsHTML("a < b and c > d"))
	assert.False(t, IsHTML("plain text"))
}

func TestSendWithoutSenderFails(t *testing.T) {
	tr := &fakeTransport{}
	c := NewWithTransport(tr, config.SenderConfig{}, true, nil)

	res := c.Send(context.Background(), Message{To: "a@example.com", Subject: "x", Body: "y"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "sender")
	assert.Empty(t, tr.sent)
}

func TestTestConnectionReportsSteps(t *testing.T) {
	tr := &fakeTransport{}
	c := NewWithTransport(tr, testSender, false, nil)

	res := c.TestConnection(context.Background(), "admin@example.com")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Log, "transport: fake")
	assert.Contains(t, res.Log, "connected")
	assert.Contains(t, strings.Join(res.Log, "\n"), "sendmail fallback")
	require.Len(t, tr.sent, 1)
	assert.Equal(t, []string{"admin@example.com"}, tr.sent[0].to)

	empty := c.TestConnection(context.Background(), " ")
	assert.False(t, empty.OK)
}

func TestRelayConfigured(t *testing.T) {
	assert.False(t, RelayConfigured(config.MailerConfig{Enabled: false, Host: "smtp.example.com"}))
	assert.False(t, RelayConfigured(config.MailerConfig{Enabled: true, Transport: "smtp"}))
	assert.True(t, RelayConfigured(config.MailerConfig{Enabled: true, Transport: "smtp", Host: "smtp.example.com"}))
	assert.False(t, RelayConfigured(config.MailerConfig{Enabled: true, Transport: "ses"}))
	assert.True(t, RelayConfigured(config.MailerConfig{Enabled: true, Transport: "ses", SESRegion: "eu-west-1"}))
}

func TestNewFallsBackToSendmail(t *testing.T) {
	c, err := New(context.Background(), config.MailerConfig{Enabled: true, SendmailPath: "/bin/true"}, testSender, config.SecretsConfig{}, logger.NewNoOpLogger())
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())
	assert.Equal(t, "sendmail /bin/true", c.TransportName())
}

func TestSMTPTransportName(t *testing.T) {
	tr := NewSMTPTransport(config.MailerConfig{Host: "smtp.example.com", Port: 465, Security: "ssl"}, "secret")
	assert.Equal(t, "smtp smtp.example.com:465 (ssl)", tr.Name())
	assert.True(t, tr.dialer.SSL)

	plain := NewSMTPTransport(config.MailerConfig{Host: "smtp.example.com", Port: 25}, "")
	assert.Equal(t, "smtp smtp.example.com:25 (none)", plain.Name())
	assert.True(t, plain.dialer.TLSConfig.InsecureSkipVerify)
}

func TestSendmailTransportPassesRecipients(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	bodyFile := filepath.Join(dir, "body")
	script := filepath.Join(dir, "sendmail")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" > "+argsFile+"\ncat > "+bodyFile+"\n"), 0o755))

	c := NewWithTransport(NewSendmailTransport(script, 5*time.Second), testSender, false, nil)
	res := c.Send(context.Background(), Message{To: "reader@example.com", Subject: "Hi", Body: "hello", BCC: []string{"audit@example.com"}})
	require.True(t, res.OK, res.Error)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "-i -f news@example.com -- reader@example.com audit@example.com", strings.TrimSpace(string(args)))

	body, err := os.ReadFile(bodyFile)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Subject: Hi")
	assert.NotContains(t, string(body), "audit@example.com")
}

func TestSendmailTransportMissingBinary(t *testing.T) {
	c := NewWithTransport(NewSendmailTransport(filepath.Join(t.TempDir(), "missing"), time.Second), testSender, false, nil)
	res := c.Send(context.Background(), Message{To: "a@example.com", Subject: "x", Body: "y"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "sendmail unavailable")
}

// MockSES records SendRawEmail calls.
type MockSES struct {
	mock.Mock
}

func (m *MockSES) SendRawEmail(ctx context.Context, in *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*ses.SendRawEmailOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestSESTransportSendsRawMessage(t *testing.T) {
	api := new(MockSES)
	api.On("SendRawEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendRawEmailInput) bool {
		return *in.Source == "news@example.com" &&
			assert.ObjectsAreEqual([]string{"reader@example.com", "audit@example.com"}, in.Destinations) &&
			strings.Contains(string(in.RawMessage.Data), "Subject: Launch")
	})).Return(&ses.SendRawEmailOutput{}, nil).Once()

	c := newTestClient(t, NewSESTransport(api, "eu-west-1", time.Second))
	res := c.Send(context.Background(), Message{To: "reader@example.com", Subject: "Launch", Body: "<h1>Hi</h1>", BCC: []string{"audit@example.com"}})
	require.True(t, res.OK, res.Error)
	api.AssertExpectations(t)
}

func TestSESTransportError(t *testing.T) {
	api := new(MockSES)
	api.On("SendRawEmail", mock.Anything, mock.Anything).Return(nil, errors.New("MessageRejected"))

	c := newTestClient(t, NewSESTransport(api, "eu-west-1", 0))
	res := c.Send(context.Background(), Message{To: "reader@example.com", Subject: "x", Body: "y"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "MessageRejected")
	api.AssertNumberOfCalls(t, "SendRawEmail", 1)
}
