package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/threatwatch/internal/domain"
)

type captured struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestNotifier(t *testing.T, cfg SMTPConfig, sendErr error) (*SMTPNotifier, *captured) {
	t.Helper()
	n, err := NewSMTPNotifier(cfg, nil)
	require.NoError(t, err)
	c := &captured{}
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		c.addr, c.auth, c.from, c.to, c.msg = addr, a, from, to, string(msg)
		return sendErr
	}
	n.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }
	return n, c
}

func sampleReport() *domain.ScanReport {
	return &domain.ScanReport{
		Summary:          domain.ReportSummary{TotalIncidents: 1, HighCount: 1},
		Incidents:        []domain.Incident{{Incident: "Firmware RCE", Severity: "High", RecommendedActions: []string{"Patch"}}},
		ExecutiveSummary: domain.ExecutiveSummary{OverallRiskLevel: "HIGH"},
	}
}

func TestNewSMTPNotifierRequiresConfig(t *testing.T) {
	_, err := NewSMTPNotifier(SMTPConfig{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewSMTPNotifier(SMTPConfig{Host: "smtp.example.com", From: "not an address"}, nil)
	assert.Error(t, err)
}

func TestSendComposesHTMLMessage(t *testing.T) {
	n, c := newTestNotifier(t, SMTPConfig{
		Host: "smtp.example.com", Username: "bot", Password: "pw", From: "alerts@example.com",
	}, nil)

	err := n.Send(context.Background(), sampleReport(), []string{"soc@example.com", " SOC@example.com ", "CISO <ciso@example.com>"})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", c.addr)
	assert.NotNil(t, c.auth)
	assert.Equal(t, "alerts@example.com", c.from)
	assert.Equal(t, []string{"soc@example.com", "ciso@example.com"}, c.to)
	assert.Contains(t, c.msg, "Subject: Action Required: Threat Intelligence Report [HIGH]\r\n")
	assert.Contains(t, c.msg, "Content-Type: text/html")
	assert.Contains(t, c.msg, "Firmware RCE")
	assert.True(t, strings.Contains(c.msg, "\r\n\r\n<html>"))
}

func TestSendWithoutAuth(t *testing.T) {
	n, c := newTestNotifier(t, SMTPConfig{Host: "relay", Port: 25, From: "a@example.com"}, nil)
	require.NoError(t, n.Send(context.Background(), sampleReport(), []string{"b@example.com"}))
	assert.Nil(t, c.auth)
	assert.Equal(t, "relay:25", c.addr)
}

func TestSendFailureIsDeliveryError(t *testing.T) {
	n, _ := newTestNotifier(t, SMTPConfig{Host: "relay", From: "a@example.com"}, errors.New("550 mailbox unavailable"))
	err := n.Send(context.Background(), sampleReport(), []string{"b@example.com"})
	assert.ErrorIs(t, err, domain.ErrDelivery)
}

func TestParseRecipients(t *testing.T) {
	_, err := ParseRecipients(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = ParseRecipients([]string{"ok@example.com", "nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	got, err := ParseRecipients([]string{"", "x@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x@example.com"}, got)
}
