/*
notify.go - Fire-and-forget notification sink

PURPOSE:
  The engine emits abstract notification events on payment transitions and
  bonus issuance; delivery (email, push) is an external collaborator.
  Notification failure never rolls back the state transition that produced
  it - callers log the failure and move on.

SEE ALSO:
  - payment/service.go: emits on every transition
*/
package engine

import (
	"context"

	"github.com/rs/zerolog"
)

type RecipientType string

const (
	RecipientInstaller RecipientType = "installer"
	RecipientAdmin     RecipientType = "admin"
)

type NotificationType string

const (
	NotifyRequestCreated  NotificationType = "payment_request_created"
	NotifyRequestApproved NotificationType = "payment_request_approved"
	NotifyRequestRejected NotificationType = "payment_request_rejected"
	NotifyRequestPaid     NotificationType = "payment_request_paid"
	NotifyRequestReverted NotificationType = "payment_request_reverted"
	NotifyBonusIssued     NotificationType = "bonus_issued"
)

type Notification struct {
	RecipientID   string
	RecipientType RecipientType
	Type          NotificationType
	Title         string
	Message       string
	Payload       map[string]string
}

// Notifier delivers notifications. Best-effort: errors are logged by the
// caller, never propagated to the operation that emitted the event.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards everything. Used in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to the structured log. This is the
// default sink when no delivery backend is wired.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Notification) error {
	n.Log.Info().
		Str("recipient", ev.RecipientID).
		Str("recipient_type", string(ev.RecipientType)).
		Str("type", string(ev.Type)).
		Str("title", ev.Title).
		Msg(ev.Message)
	return nil
}
