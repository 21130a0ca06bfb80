// Package mail hands outgoing account emails to a delivery backend.
// Delivery is best effort: callers learn whether it was confirmed, never why it failed.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Skotchmaster/academy/internal/events"
	"github.com/Skotchmaster/academy/internal/logging"
)

const (
	KindVerifyEmail   = "verify_email"
	KindPasswordReset = "password_reset"
)

var ErrNotDelivered = errors.New("mail delivery not confirmed")

type Message struct {
	Kind    string `json:"kind"`
	To      string `json:"to"`
	Name    string `json:"name,omitempty"`
	Subject string `json:"subject"`
	Link    string `json:"link"`
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Deliver sends msg and reports whether delivery was confirmed. Failures are
// logged and swallowed.
func Deliver(ctx context.Context, n Notifier, msg Message) bool {
	l := logging.FromContext(ctx).With("component", "mail", "kind", msg.Kind)
	if n == nil {
		l.Warn("mail_not_sent", "reason", "no notifier configured")
		return false
	}
	if err := n.Send(ctx, msg); err != nil {
		l.Warn("mail_not_sent", "error", err)
		return false
	}
	l.Info("mail_queued")
	return true
}

// KafkaNotifier queues messages for the mailer consuming Topic.
type KafkaNotifier struct {
	Publisher events.Publisher
	Topic     string
}

func (k *KafkaNotifier) Send(ctx context.Context, msg Message) error {
	if err := k.Publisher.PublishEvent(ctx, k.Topic, msg.To, msg); err != nil {
		return fmt.Errorf("queue mail: %w", err)
	}
	return nil
}

// LogNotifier only logs the message, so delivery is never confirmed.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(ctx context.Context, msg Message) error {
	l := n.Logger
	if l == nil {
		l = logging.FromContext(ctx)
	}
	l.Info("mail_logged", "kind", msg.Kind, "to", msg.To, "subject", msg.Subject)
	return ErrNotDelivered
}
