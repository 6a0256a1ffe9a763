// Package providers defines the neutral contract every payment gateway
// adapter implements, plus the error taxonomy shared by all of them.
// Provider quirks (auth sub-protocols, payload shapes, status words) stay
// inside the per-provider subpackages.
package providers

import (
	"context"
	"errors"
)

// Outcome is a provider-side terminal result.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

// PollResult is the answer to a status query. When Pending is true the
// Outcome field carries no meaning.
type PollResult struct {
	Pending bool
	Outcome Outcome
	// Reason carries the provider's own wording for a terminal result.
	Reason string
}

// InitiationRequest is everything an adapter needs to open a payment with
// its provider. Amount is in the currency's minor unit.
type InitiationRequest struct {
	Amount       int64
	Currency     string
	PayerContact string
	Description  string
}

// Initiation is the successful result of an initiation call. Continuation is
// provider-specific data the calling client needs to finish the payment: a
// client secret for card capture, or the customer-facing message for
// push-to-pay requests.
type Initiation struct {
	CorrelationID string
	Continuation  string
}

// Notification is a verified provider-pushed status report.
type Notification struct {
	CorrelationID string
	Outcome       Outcome
	Reason        string
}

var (
	// ErrUnavailable covers transport failures, timeouts and auth errors.
	// The initiation may be retried by the caller as a new attempt.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected is a synchronous refusal from the provider: bad phone
	// format, insufficient configuration, declined card.
	ErrRejected = errors.New("provider rejected the request")
	// ErrInvalidNotification marks a pushed payload that failed signature
	// or shape verification. It must never reach a status update.
	ErrInvalidNotification = errors.New("invalid provider notification")
	// ErrNotificationIgnored marks an authentic notification whose event
	// type carries no payment outcome.
	ErrNotificationIgnored = errors.New("provider notification ignored")
	// ErrQueryUnsupported is returned by push-style providers that offer
	// no status query.
	ErrQueryUnsupported = errors.New("status query not supported")
	// ErrNotificationUnsupported is returned by poll-style providers that
	// never push notifications.
	ErrNotificationUnsupported = errors.New("notifications not supported")
)

// Adapter is implemented once per provider.
type Adapter interface {
	Name() string

	// Initiate performs exactly one authenticated outbound request and
	// returns the provider's correlation id for the new payment.
	Initiate(ctx context.Context, req InitiationRequest) (Initiation, error)

	// QueryStatus asks the provider for the current state of a payment.
	// Push-style providers may return ErrQueryUnsupported.
	QueryStatus(ctx context.Context, correlationID string) (PollResult, error)

	// VerifyNotification authenticates a pushed payload and maps it to a
	// correlation id and outcome. Payloads failing verification are
	// rejected with ErrInvalidNotification.
	VerifyNotification(ctx context.Context, payload []byte, signature string) (Notification, error)
}
