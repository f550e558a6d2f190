package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felo/autoreply/internal/db"
)

// ErrNoAccount is returned when no SMTP account serves the mailbox an email was sent to.
var ErrNoAccount = errors.New("no smtp account for mailbox")

// Router picks the account that replies for the mailbox an email was sent to,
// falling back to a default account.
type Router struct {
	routes   map[string]ReplySender
	fallback ReplySender
}

// NewRouter creates a Router; fallback may be nil.
func NewRouter(fallback ReplySender) *Router {
	return &Router{routes: make(map[string]ReplySender), fallback: fallback}
}

// Route sends replies for emails addressed to mailbox through sender.
func (r *Router) Route(mailbox string, sender ReplySender) *Router {
	r.routes[db.NormalizeAddress(mailbox)] = sender
	return r
}

// Len is the number of mapped mailboxes.
func (r *Router) Len() int {
	return len(r.routes)
}

// SenderFor returns the account for a recipient address.
func (r *Router) SenderFor(toEmail string) (ReplySender, error) {
	if s, ok := r.routes[db.NormalizeAddress(toEmail)]; ok {
		return s, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoAccount, strings.TrimSpace(toEmail))
}

// SendReply dispatches through the account mapped to email.ToEmail.
func (r *Router) SendReply(ctx context.Context, email *db.Email, body string) error {
	s, err := r.SenderFor(email.ToEmail)
	if err != nil {
		return fmt.Errorf("email %s: %w", email.ID, err)
	}
	return s.SendReply(ctx, email, body)
}
