// Package notify delivers rendered scan reports to recipients.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/report"
)

// ErrNotConfigured is returned when no SMTP host is set.
var ErrNotConfigured = errors.New("email delivery is not configured")

// Notifier sends a report to a list of recipients.
type Notifier interface {
	Send(ctx context.Context, r *domain.ScanReport, recipients []string) error
}

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Enabled reports whether enough settings are present to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends reports as HTML email.
type SMTPNotifier struct {
	cfg    SMTPConfig
	send   sendFunc
	now    func() time.Time
	logger *slog.Logger
}

// NewSMTPNotifier creates a notifier. It fails with ErrNotConfigured when
// cfg lacks a host or sender.
func NewSMTPNotifier(cfg SMTPConfig, logger *slog.Logger) (*SMTPNotifier, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("invalid SMTP sender %q: %w", cfg.From, err)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail, now: time.Now, logger: logger}, nil
}

// Send renders r and mails it to every recipient in a single message.
func (n *SMTPNotifier) Send(ctx context.Context, r *domain.ScanReport, recipients []string) error {
	to, err := ParseRecipients(recipients)
	if err != nil {
		return err
	}
	body, err := report.RenderHTML(r)
	if err != nil {
		return err
	}
	msg := n.compose(report.Subject(r), body, to)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))

	// net/smtp has no context support; run the send so ctx can bound the wait.
	errCh := make(chan error, 1)
	go func() { errCh <- n.send(addr, auth, n.cfg.From, to, msg) }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%w: smtp send: %v", domain.ErrDelivery, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrDelivery, ctx.Err())
	}

	n.logger.Info("Report emailed", "recipients", len(to), "host", n.cfg.Host)
	return nil
}

func (n *SMTPNotifier) compose(subject, html string, to []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(html, "\n", "\r\n"))
	return b.Bytes()
}

// ParseRecipients validates and normalizes a recipient list.
func ParseRecipients(recipients []string) ([]string, error) {
	out := make([]string, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, raw := range recipients {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid email %q", domain.ErrInvalidRequest, raw)
		}
		key := strings.ToLower(addr.Address)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr.Address)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no recipients", domain.ErrInvalidRequest)
	}
	return out, nil
}
