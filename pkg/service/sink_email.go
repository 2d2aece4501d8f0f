package service

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	gomail "gopkg.in/gomail.v2"

	"github.com/rowmail/rowmail/pkg/models"
)

// MailSender abstracts the SMTP dialer so tests can capture messages.
type MailSender interface {
	Send(m *gomail.Message) error
}

// SMTPSettings configures the outbound mail transport. OverrideFrom, when
// set, replaces the requesting user as the envelope sender.
type SMTPSettings struct {
	Host         string
	Port         int
	Username     string
	Password     string
	OverrideFrom string
}

type smtpSender struct {
	dialer *gomail.Dialer
}

func NewSMTPSender(cfg SMTPSettings) MailSender {
	return &smtpSender{dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)}
}

func (s *smtpSender) Send(m *gomail.Message) error {
	return s.dialer.DialAndSend(m)
}

// EmailSink delivers personalized texts, email reports and rubric feedback
// over SMTP. Messages go out as multipart (plain text derived from the
// HTML) unless the run asks for html_only.
type EmailSink struct {
	sender MailSender
	cfg    SMTPSettings
}

func NewEmailSink(sender MailSender, cfg SMTPSettings) *EmailSink {
	return &EmailSink{sender: sender, cfg: cfg}
}

func (s *EmailSink) Deliver(ctx context.Context, job *RunJob, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(item.Recipient); err != nil {
		return errors.Wrapf(err, "invalid recipient %q", item.Recipient)
	}
	cc, err := addressList(job.Payload, "cc_email")
	if err != nil {
		return err
	}
	bcc, err := addressList(job.Payload, "bcc_email")
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.fromAddress(job.User))
	m.SetHeader("To", item.Recipient)
	if len(cc) > 0 {
		m.SetHeader("Cc", cc...)
	}
	if len(bcc) > 0 {
		m.SetHeader("Bcc", bcc...)
	}
	m.SetHeader("Subject", item.Subject)
	if boolField(job.Payload, "html_only") {
		m.SetBody("text/html", item.Body)
	} else {
		m.SetBody("text/plain", stripTags(item.Body))
		m.AddAlternative("text/html", item.Body)
	}
	return s.sender.Send(m)
}

// Confirm mails the requester a summary once the run finishes.
func (s *EmailSink) Confirm(ctx context.Context, job *RunJob, sent, total int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := fmt.Sprintf(
		"The action %q has finished: %d of %d messages were sent.",
		job.Action.Name, sent, total)
	if job.TrackColumn != "" {
		body += fmt.Sprintf(" Read tracking is recorded in column %q.", job.TrackColumn)
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.fromAddress(job.User))
	m.SetHeader("To", job.User)
	m.SetHeader("Subject", fmt.Sprintf("Action %q executed", job.Action.Name))
	m.SetBody("text/plain", body)
	return s.sender.Send(m)
}

func (s *EmailSink) fromAddress(user string) string {
	if s.cfg.OverrideFrom != "" {
		return s.cfg.OverrideFrom
	}
	return user
}

// addressList parses a comma or space separated address field, validating
// every entry.
func addressList(payload map[string]any, key string) ([]string, error) {
	raw, _ := payload[key].(string)
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	var out []string
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, err := mail.ParseAddress(f); err != nil {
			return nil, models.NewValidationError("invalid address %q in %s", f, key)
		}
		out = append(out, f)
	}
	return out, nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripTags derives the plain text alternative from the HTML body.
func stripTags(s string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
}
