// Package mailer delivers rendered messages through an SMTP relay, Amazon
// SES, or the local sendmail binary when no relay is configured.
package mailer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-gomail/gomail"
	"github.com/google/uuid"

	"github.com/unclebandit/mailcampaign/internal/config"
	"github.com/unclebandit/mailcampaign/internal/logger"
)

// Message is one fully rendered email.
type Message struct {
	To        string
	ToName    string
	Subject   string
	Body      string
	BCC       []string
	ReplyTo   string
	FromName  string
	FromEmail string
}

// Result describes one delivery attempt. Log holds the human-readable steps
// taken, which TestConnection hands back to the administrator.
type Result struct {
	OK        bool     `json:"ok"`
	Error     string   `json:"error,omitempty"`
	Log       []string `json:"log,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

func (r *Result) logf(format string, args ...any) {
	r.Log = append(r.Log, fmt.Sprintf(format, args...))
}

func (r *Result) fail(format string, args ...any) Result {
	r.OK = false
	r.Error = fmt.Sprintf(format, args...)
	r.Log = append(r.Log, "error: "+r.Error)
	return *r
}

// Session reuses one transport connection for a batch of sends. It is not
// safe for concurrent use.
type Session interface {
	Send(ctx context.Context, msg Message) Result
	Close() error
}

type Mailer interface {
	Send(ctx context.Context, msg Message) Result
	Open(ctx context.Context) (Session, error)
	IsEnabled() bool
	TestConnection(ctx context.Context, to string) Result
}

// Transport opens connections to a delivery backend.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (gomail.SendCloser, error)
}

type Client struct {
	transport Transport
	sender    config.SenderConfig
	enabled   bool
	logger    logger.Logger
	now       func() time.Time
}

// New picks the transport from cfg: the configured relay when it is usable,
// otherwise the sendmail binary at cfg.SendmailPath.
func New(ctx context.Context, cfg config.MailerConfig, sender config.SenderConfig, secrets config.SecretsConfig, log logger.Logger) (*Client, error) {
	if !RelayConfigured(cfg) {
		log.Info("mail relay not configured, using sendmail", map[string]interface{}{"path": cfg.SendmailPath})
		return NewWithTransport(NewSendmailTransport(cfg.SendmailPath, cfg.Timeout), sender, false, log), nil
	}

	switch cfg.Transport {
	case "ses":
		t, err := NewSESTransportFromRegion(ctx, cfg.SESRegion, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return NewWithTransport(t, sender, true, log), nil
	default:
		password, err := DecryptSecret(cfg.PasswordEncrypted, secrets.AuthKey, secrets.AuthSalt)
		if err != nil {
			return nil, fmt.Errorf("decrypt relay password: %w", err)
		}
		return NewWithTransport(NewSMTPTransport(cfg, password), sender, true, log), nil
	}
}

func NewWithTransport(t Transport, sender config.SenderConfig, enabled bool, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Client{transport: t, sender: sender, enabled: enabled, logger: log, now: time.Now}
}

// RelayConfigured reports whether cfg describes a usable relay: enabled and
// pointed at a host (SMTP) or a region (SES).
func RelayConfigured(cfg config.MailerConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if cfg.Transport == "ses" {
		return strings.TrimSpace(cfg.SESRegion) != ""
	}
	return strings.TrimSpace(cfg.Host) != ""
}

func (c *Client) IsEnabled() bool { return c.enabled }

func (c *Client) TransportName() string { return c.transport.Name() }

func (c *Client) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sc, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.transport.Name(), err)
	}
	return &session{client: c, sc: sc}, nil
}

// Send delivers a single message on its own connection.
func (c *Client) Send(ctx context.Context, msg Message) Result {
	var res Result
	res.logf("connecting via %s", c.transport.Name())
	s, err := c.Open(ctx)
	if err != nil {
		return res.fail("connect: %v", err)
	}
	defer s.Close()

	sent := s.Send(ctx, msg)
	sent.Log = append(res.Log, sent.Log...)
	return sent
}

// TestConnection sends a diagnostic message to to and reports every step.
func (c *Client) TestConnection(ctx context.Context, to string) Result {
	var res Result
	res.logf("transport: %s", c.transport.Name())
	if !c.enabled {
		res.logf("relay disabled or incomplete, local sendmail fallback in use")
	}
	if strings.TrimSpace(to) == "" {
		return res.fail("no test recipient given")
	}

	res.logf("connecting")
	s, err := c.Open(ctx)
	if err != nil {
		return res.fail("connect: %v", err)
	}
	defer s.Close()
	res.logf("connected")

	sent := s.Send(ctx, Message{
		To:      to,
		Subject: "Mail delivery test",
		Body:    fmt.Sprintf("This is a test message sent at %s to verify outgoing mail settings.", c.now().Format(time.RFC1123Z)),
	})
	sent.Log = append(res.Log, sent.Log...)
	return sent
}

type session struct {
	client *Client
	sc     gomail.SendCloser
}

func (s *session) Send(ctx context.Context, msg Message) Result {
	res := Result{MessageID: s.client.newMessageID(msg)}
	if err := ctx.Err(); err != nil {
		return res.fail("%v", err)
	}

	m, err := s.client.buildMessage(msg, res.MessageID)
	if err != nil {
		return res.fail("%v", err)
	}

	if s.sc == nil {
		res.logf("reconnecting via %s", s.client.transport.Name())
		sc, err := s.client.transport.Dial(ctx)
		if err != nil {
			return res.fail("connect: %v", err)
		}
		s.sc = sc
	}

	res.logf("sending to %s", msg.To)
	if err := gomail.Send(s.sc, m); err != nil {
		// The connection state is unknown after a failed exchange; start
		// the next message on a fresh one.
		_ = s.sc.Close()
		s.sc = nil
		s.client.logger.Warn("send failed, connection dropped", map[string]interface{}{
			"to":        msg.To,
			"transport": s.client.transport.Name(),
			"error":     err.Error(),
		})
		return res.fail("send: %v", err)
	}

	res.OK = true
	res.logf("accepted as %s", res.MessageID)
	return res
}

func (s *session) Close() error {
	if s.sc == nil {
		return nil
	}
	err := s.sc.Close()
	s.sc = nil
	return err
}

func (c *Client) buildMessage(msg Message, messageID string) (*gomail.Message, error) {
	fromEmail := firstNonEmpty(msg.FromEmail, c.sender.FromEmail)
	fromName := firstNonEmpty(msg.FromName, c.sender.FromName)
	if fromEmail == "" {
		return nil, fmt.Errorf("no sender address configured")
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, fmt.Errorf("no recipient address")
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", fromEmail, fromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	if len(msg.BCC) > 0 {
		m.SetHeader("Bcc", msg.BCC...)
	}
	if replyTo := firstNonEmpty(msg.ReplyTo, c.sender.ReplyTo); replyTo != "" {
		m.SetHeader("Reply-To", replyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	m.SetDateHeader("Date", c.now())

	if IsHTML(msg.Body) {
		m.SetBody("text/html", msg.Body)
	} else {
		m.SetBody("text/plain", msg.Body)
	}
	return m, nil
}

func (c *Client) newMessageID(msg Message) string {
	domain := "localhost"
	from := firstNonEmpty(msg.FromEmail, c.sender.FromEmail)
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

var htmlTag = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/?>`)

// IsHTML reports whether body contains at least one markup tag.
func IsHTML(body string) bool {
	return htmlTag.MatchString(body)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
