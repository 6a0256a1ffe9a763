package payments

import (
	"context"
	"log/slog"
	"time"

	"schoolpay/internal/providers"
)

// StatusFromOutcome maps a provider terminal outcome to a ledger status.
func StatusFromOutcome(o providers.Outcome) Status {
	if o == providers.OutcomeSuccess {
		return StatusSuccess
	}
	return StatusFailed
}

// Resolver applies a terminal outcome and publishes the resolution event
// when, and only when, this call performed the transition. The callback
// normalizer and the reconciliation poller both resolve through here, which
// is what keeps the notification at one per attempt no matter which path
// wins the race.
type Resolver struct {
	ledger    *Ledger
	publisher ResolutionPublisher
	logger    *slog.Logger
}

func NewResolver(ledger *Ledger, publisher ResolutionPublisher, logger *slog.Logger) *Resolver {
	return &Resolver{ledger: ledger, publisher: publisher, logger: logger}
}

// Resolve returns the attempt and whether this call transitioned it.
func (r *Resolver) Resolve(ctx context.Context, correlationID string, method Method, status Status, reason string) (*PaymentAttempt, bool, error) {
	attempt, transitioned, err := r.ledger.ApplyTerminal(ctx, correlationID, method, status)
	if err != nil {
		return nil, false, err
	}
	if !transitioned {
		return attempt, false, nil
	}

	terminalTransitions.WithLabelValues(string(method), string(status)).Inc()

	resolvedAt := time.Now().UTC()
	if attempt.ResolvedAt != nil {
		resolvedAt = *attempt.ResolvedAt
	}
	msg := ResolutionMessage{
		AttemptID:     attempt.ID,
		CorrelationID: attempt.CorrelationID,
		Method:        attempt.Method,
		Status:        attempt.Status,
		Amount:        attempt.Amount,
		Currency:      attempt.Currency,
		PayerContact:  attempt.PayerContact,
		SubjectRef:    attempt.SubjectRef,
		Reason:        reason,
		ResolvedAt:    resolvedAt,
	}
	if err := r.publisher.PublishResolution(ctx, msg); err != nil {
		// Best effort: losing the notification must not unwind or fail
		// the transition itself.
		r.logger.Error("failed to publish resolution event",
			"attemptId", attempt.ID, "error", err)
	}
	return attempt, true, nil
}
