// Package mailer sends transactional HTML mail over SMTP.
package mailer

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net"
	"time"

	"github.com/duckpass/duckpass/internal/logging"
	"github.com/wneessen/go-mail"
)

// VerificationSubject is the subject line of the account confirmation mail.
const VerificationSubject = "DuckPass Account Verification"

//go:embed templates/*.html
var templateFS embed.FS

var verificationTemplate = template.Must(template.ParseFS(templateFS, "templates/verification.html"))

// Mailer delivers one HTML message.
type Mailer interface {
	Send(ctx context.Context, recipient, subject, htmlBody string) error
}

// RenderVerification returns the confirmation mail body linking to link.
func RenderVerification(link string) (string, error) {
	var buf bytes.Buffer
	if err := verificationTemplate.Execute(&buf, struct{ Link string }{Link: link}); err != nil {
		return "", fmt.Errorf("render verification mail: %w", err)
	}
	return buf.String(), nil
}

const defaultTimeout = 10 * time.Second

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds the whole SMTP session. Zero means defaultTimeout.
	Timeout time.Duration
}

// SMTPMailer submits mail through a relay, upgrading to STARTTLS whenever
// the server offers it.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger logging.Logger
	now    func() time.Time
}

func NewSMTPMailer(cfg SMTPConfig, logger logging.Logger) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &SMTPMailer{cfg: cfg, logger: logger.With("module", "mailer"), now: time.Now}
}

func (m *SMTPMailer) Send(ctx context.Context, recipient, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := m.message(recipient, subject, htmlBody)
	if err != nil {
		return err
	}

	client, err := m.client()
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send via %s: %w", client.ServerAddr(), err)
	}

	m.logger.Info(ctx, "mail sent", "subject", subject)
	return nil
}

func (m *SMTPMailer) message(recipient, subject, htmlBody string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("mail from %q: %w", m.cfg.From, err)
	}
	if err := msg.To(recipient); err != nil {
		return nil, fmt.Errorf("mail to: %w", err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(m.now())
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)
	return msg, nil
}

func (m *SMTPMailer) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithDialContextFunc(m.dial),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return mail.NewClient(m.cfg.Host, opts...)
}

// dial puts a deadline on the connection itself so a relay that accepts and
// then stalls cannot hold the caller past the timeout or ctx.
func (m *SMTPMailer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(m.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// LogMailer stands in when no SMTP relay is configured and only logs.
type LogMailer struct {
	logger logging.Logger
}

func NewLogMailer(logger logging.Logger) *LogMailer {
	return &LogMailer{logger: logger.With("module", "mailer")}
}

func (m *LogMailer) Send(ctx context.Context, recipient, subject, _ string) error {
	m.logger.Warn(ctx, "smtp not configured, mail not sent", "subject", subject)
	return nil
}
