// Package notify mails run failures to an administrator.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/metrics"
)

// Config contains notifier settings
type Config struct {
	Addr            string
	Username        string
	Password        string
	From            string
	To              []string
	IncludeWarnings bool
	Hostname        string
	Timeout         time.Duration
}

// Mailer notifies about ERROR (and optionally WARNING) log records over SMTP
type Mailer struct {
	cfg    Config
	logger *slog.Logger
}

// NewMailer creates a mailer
func NewMailer(cfg Config, logger *slog.Logger) *Mailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Mailer{
		cfg:    cfg,
		logger: logger.With("component", "notify"),
	}
}

// Wants reports whether a record with status is mailed
func (m *Mailer) Wants(status campaign.LogStatus) bool {
	switch status {
	case campaign.LogError:
		return true
	case campaign.LogWarning:
		return m.cfg.IncludeWarnings
	default:
		return false
	}
}

// Notify mails rec if its status is wanted. Delivery errors are logged.
func (m *Mailer) Notify(ctx context.Context, rec *campaign.LogRecord) {
	if !m.Wants(rec.Status) || len(m.cfg.To) == 0 {
		return
	}

	if err := m.send(ctx, rec); err != nil {
		metrics.IncNotifications("error")
		m.logger.Error("failed to send notification", "campaign_id", rec.CampaignID, "error", err)
		return
	}

	metrics.IncNotifications("sent")
	m.logger.Debug("notification sent", "campaign_id", rec.CampaignID, "status", rec.Status)
}

func (m *Mailer) send(ctx context.Context, rec *campaign.LogRecord) error {
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetDeadline(time.Now().Add(m.cfg.Timeout))

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(m.cfg.Hostname); err != nil {
		return fmt.Errorf("HELO failed: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		host, _, _ := net.SplitHostPort(m.cfg.Addr)
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if m.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := c.SendMail(m.cfg.From, m.cfg.To, bytes.NewReader(m.message(rec))); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}

	return c.Quit()
}

// message renders rec as a plain text email
func (m *Mailer) message(rec *campaign.LogRecord) []byte {
	var b bytes.Buffer

	name := rec.CampaignName
	if name == "" {
		name = rec.CampaignID
	}

	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.cfg.To, ", "))
	// Q-encoding also escapes CR and LF, so a campaign name cannot add headers
	subject := mime.QEncoding.Encode("utf-8", fmt.Sprintf("[autopost] %s: %s", rec.Status, name))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", rec.Timestamp.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.New().String(), m.cfg.Hostname)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "Campaign: %s (%s)\r\n", name, rec.CampaignID)
	fmt.Fprintf(&b, "Status: %s\r\n", rec.Status)
	fmt.Fprintf(&b, "Time: %s\r\n", rec.Timestamp.Format(time.RFC3339))
	if rec.PostTitle != "" {
		fmt.Fprintf(&b, "Title: %s\r\n", rec.PostTitle)
	}
	if rec.PostURL != "" {
		fmt.Fprintf(&b, "URL: %s\r\n", rec.PostURL)
	}

	if len(rec.Details) > 0 {
		b.WriteString("\r\n")
		keys := make([]string, 0, len(rec.Details))
		for k := range rec.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\r\n", k, rec.Details[k])
		}
	}

	return b.Bytes()
}
