// Package mailer sends operator notifications through the same Shoutrrr
// notification library the rest of this codebase standardizes on,
// targeting an smtp:// (or smtps://) destination built from
// [email_configuration].
package mailer

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/containrrr/shoutrrr"
)

// Mailer is the narrow interface Disk Lifecycle and the notification
// dispatcher depend on. The default adapter below sends through Shoutrrr;
// tests substitute a fake.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPConfig names the [email_configuration] fields needed to build a
// Shoutrrr smtp:// destination URL.
type SMTPConfig struct {
	Enabled  bool
	From     string
	Host     string
	Port     int
	Username string
	Password string
	ReplyTo  string
}

// ShoutrrrMailer is the production Mailer, backed by Shoutrrr's SMTP
// service.
type ShoutrrrMailer struct {
	cfg SMTPConfig
}

// NewShoutrrrMailer constructs a Mailer from SMTP settings. If cfg.Enabled
// is false, Send is a no-op that always succeeds, so disabling email in
// configuration never blocks a disk close.
func NewShoutrrrMailer(cfg SMTPConfig) *ShoutrrrMailer {
	return &ShoutrrrMailer{cfg: cfg}
}

func (m *ShoutrrrMailer) Send(to, subject, body string) error {
	if !m.cfg.Enabled {
		return nil
	}

	dest := m.buildURL(to, subject)
	if err := shoutrrr.Send(dest, body); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", to, err)
	}
	return nil
}

// buildURL constructs a Shoutrrr smtp:// service URL.
// https://containrrr.dev/shoutrrr/v0.8/services/smtp/
func (m *ShoutrrrMailer) buildURL(to, subject string) string {
	userinfo := url.UserPassword(m.cfg.Username, m.cfg.Password)
	u := url.URL{
		Scheme: "smtp",
		User:   userinfo,
		Host:   fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port),
		Path:   "/",
	}

	q := url.Values{}
	q.Set("from", m.cfg.From)
	q.Set("to", to)
	if subject != "" {
		q.Set("subject", subject)
	}
	if m.cfg.ReplyTo != "" {
		q.Set("fromName", m.cfg.ReplyTo)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// joinRecipients formats multiple addresses the way Shoutrrr's smtp
// service expects: comma separated.
func joinRecipients(addrs []string) string {
	return strings.Join(addrs, ",")
}
