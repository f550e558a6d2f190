package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felo/autoreply/internal/db"
	"gopkg.in/gomail.v2"
)

// ErrNoRecipient is returned for emails without a sender address to reply to.
var ErrNoRecipient = errors.New("email has no sender address")

const defaultSubject = "Thank you for your email"

// ReplySender dispatches an auto-reply for a stored email.
type ReplySender interface {
	SendReply(ctx context.Context, email *db.Email, body string) error
}

// Config holds the SMTP account used for replies.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
}

// Mailer sends replies through one SMTP account. Port 465 uses implicit TLS,
// every other port STARTTLS when the server offers it.
type Mailer struct {
	sender   gomail.Sender
	dialer   *gomail.Dialer
	from     string
	fromName string
	logger   *slog.Logger
}

// New creates a Mailer for cfg.
func New(cfg Config, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	return &Mailer{
		dialer:   gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		from:     from,
		fromName: cfg.FromName,
		logger:   logger,
	}
}

// SendReply mails body to the email's sender as a reply in the same thread.
func (m *Mailer) SendReply(ctx context.Context, email *db.Email, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if email.FromEmail == "" {
		return fmt.Errorf("email %s: %w", email.ID, ErrNoRecipient)
	}

	msg := BuildMessage(m.from, m.fromName, email, body)

	var err error
	if m.sender != nil {
		err = gomail.Send(m.sender, msg)
	} else {
		err = m.dialer.DialAndSend(msg)
	}
	if err != nil {
		return fmt.Errorf("failed to send reply to %s: %w", email.FromEmail, err)
	}

	m.logger.InfoContext(ctx, "sent auto-reply",
		slog.String("email_id", email.ID),
		slog.String("to", email.FromEmail),
	)
	return nil
}

// BuildMessage creates the plain-text reply message for email.
func BuildMessage(from, fromName string, email *db.Email, body string) *gomail.Message {
	msg := gomail.NewMessage(gomail.SetCharset("UTF-8"))

	if fromName != "" {
		msg.SetHeader("From", msg.FormatAddress(from, fromName))
	} else {
		msg.SetHeader("From", from)
	}
	msg.SetHeader("To", email.FromEmail)
	msg.SetHeader("Subject", ReplySubject(email.Subject))

	if email.MessageID != nil && *email.MessageID != "" {
		msg.SetHeader("In-Reply-To", *email.MessageID)
		msg.SetHeader("References", *email.MessageID)
	}

	msg.SetBody("text/plain", body)
	return msg
}

// ReplySubject prefixes subject with "Re: " once.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: " + defaultSubject
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}
