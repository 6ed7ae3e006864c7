// Package notify is the fire-and-forget email port. Delivery failures are the
// caller's to log and swallow; nothing financial may depend on them.
package notify

import "context"

type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Notifier interface {
	Send(ctx context.Context, email Email) error
}

// Nop is used when no broker is configured (tests, local dev).
type Nop struct{}

func (Nop) Send(ctx context.Context, email Email) error { return nil }
