package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/go-gomail/gomail"

	"github.com/unclebandit/mailcampaign/internal/config"
)

// funcCloser turns a gomail.SendFunc into a SendCloser with nothing to close.
type funcCloser struct {
	gomail.SendFunc
}

func (funcCloser) Close() error { return nil }

// ====================== SMTP relay ======================

type SMTPTransport struct {
	dialer   *gomail.Dialer
	security string
}

// NewSMTPTransport configures a gomail dialer. security "ssl" is implicit
// TLS, "tls" requires a verified STARTTLS upgrade, "none" upgrades only when
// the server offers it and skips certificate checks.
func NewSMTPTransport(cfg config.MailerConfig, password string) *SMTPTransport {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, password)
	switch cfg.Security {
	case "ssl":
		d.SSL = true
	case "tls":
		d.SSL = false
		d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	default:
		d.SSL = false
		d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: true} //nolint:gosec // security: none
	}
	return &SMTPTransport{dialer: d, security: cfg.Security}
}

func (t *SMTPTransport) Name() string {
	sec := t.security
	if sec == "" {
		sec = "none"
	}
	return fmt.Sprintf("smtp %s:%d (%s)", t.dialer.Host, t.dialer.Port, sec)
}

func (t *SMTPTransport) Dial(ctx context.Context) (gomail.SendCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.dialer.Dial()
}

// ====================== sendmail fallback ======================

type SendmailTransport struct {
	path    string
	timeout time.Duration
}

func NewSendmailTransport(path string, timeout time.Duration) *SendmailTransport {
	if path == "" {
		path = "/usr/sbin/sendmail"
	}
	return &SendmailTransport{path: path, timeout: timeout}
}

func (t *SendmailTransport) Name() string { return "sendmail " + t.path }

// Dial checks the binary exists; each message then runs its own sendmail
// process. Recipients are passed as arguments because gomail does not
// write the Bcc header into the message.
func (t *SendmailTransport) Dial(ctx context.Context) (gomail.SendCloser, error) {
	if _, err := exec.LookPath(t.path); err != nil {
		return nil, fmt.Errorf("sendmail unavailable: %w", err)
	}
	return funcCloser{gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		runCtx := ctx
		if t.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, t.timeout)
			defer cancel()
		}

		args := append([]string{"-i", "-f", from, "--"}, to...)
		cmd := exec.CommandContext(runCtx, t.path, args...)
		var stdin bytes.Buffer
		if _, err := msg.WriteTo(&stdin); err != nil {
			return fmt.Errorf("render message: %w", err)
		}
		cmd.Stdin = &stdin
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("sendmail: %w: %s", err, bytes.TrimSpace(out))
		}
		return nil
	})}, nil
}

// ====================== Amazon SES ======================

// SESAPI is the part of the SES client used here.
type SESAPI interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

type SESTransport struct {
	client  SESAPI
	region  string
	timeout time.Duration
}

func NewSESTransport(client SESAPI, region string, timeout time.Duration) *SESTransport {
	return &SESTransport{client: client, region: region, timeout: timeout}
}

// NewSESTransportFromRegion loads AWS credentials from the default chain.
func NewSESTransportFromRegion(ctx context.Context, region string, timeout time.Duration) (*SESTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESTransport(ses.NewFromConfig(cfg), region, timeout), nil
}

func (t *SESTransport) Name() string { return "ses " + t.region }

func (t *SESTransport) Dial(ctx context.Context) (gomail.SendCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return funcCloser{gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		var raw bytes.Buffer
		if _, err := msg.WriteTo(&raw); err != nil {
			return fmt.Errorf("render message: %w", err)
		}

		callCtx := ctx
		if t.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, t.timeout)
			defer cancel()
		}
		_, err := t.client.SendRawEmail(callCtx, &ses.SendRawEmailInput{
			Source:       aws.String(from),
			Destinations: to,
			RawMessage:   &types.RawMessage{Data: raw.Bytes()},
		})
		return err
	})}, nil
}
