// Package payments holds the orchestration core: the payment attempt ledger,
// the provider registry, the initiation orchestrator and the callback
// normalizer. Both reconciliation paths (pushed notifications and status
// polling) converge on the ledger's single terminal-transition operation.
package payments

import (
	"errors"
	"time"
)

// Method selects the payment provider for an attempt.
type Method string

const (
	MethodStripe Method = "STRIPE"
	MethodMpesa  Method = "MPESA"
	MethodSpenn  Method = "SPENN"
	MethodMTN    Method = "MTN"
)

func (m Method) Valid() bool {
	switch m {
	case MethodStripe, MethodMpesa, MethodSpenn, MethodMTN:
		return true
	}
	return false
}

// PollStyle reports whether the provider offers no reliable callback, so
// resolution requires the reconciliation poller.
func (m Method) PollStyle() bool {
	return m == MethodMTN
}

// Status is the lifecycle state of an attempt. PENDING transitions to
// SUCCESS or FAILED exactly once; terminal states never change.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// PaymentAttempt is the ledger entry for one initiation of money movement.
// A retried payment is a new attempt with a new id; attempts are never
// merged or deleted by the core.
type PaymentAttempt struct {
	ID            string     `json:"id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Method        Method     `json:"method"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Status        Status     `json:"status"`
	PayerContact  string     `json:"payerContact"`
	SubjectRef    string     `json:"subjectRef"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

var (
	// ErrInvalidRequest is a caller error; the core never retries it.
	ErrInvalidRequest = errors.New("invalid payment request")
	// ErrUnsupportedMethod is returned by the registry for a method no
	// adapter is registered for.
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	// ErrUnknownAttempt marks a notification or poll result with no
	// matching ledger entry. It is logged and never fabricates a record.
	ErrUnknownAttempt = errors.New("no attempt matches the correlation id")
	// ErrAlreadyAttached guards the attach-once invariant on correlation
	// ids.
	ErrAlreadyAttached = errors.New("correlation id already attached")
)
