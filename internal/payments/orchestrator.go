package payments

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"schoolpay/internal/providers"
)

var orchestratorTracer = otel.Tracer("payment-orchestrator")

// PayRequest is the calling layer's view of one payment initiation.
// SubjectRef is owned by the caller and carried opaquely.
type PayRequest struct {
	Amount       int64
	Currency     string
	Method       Method
	PayerContact string
	SubjectRef   string
	Description  string
}

// Continuation is what the caller needs to complete the payment: the client
// secret for card capture, or the provider's customer-facing message for
// push-to-pay.
type Continuation struct {
	AttemptID     string `json:"attemptId"`
	CorrelationID string `json:"correlationId"`
	Value         string `json:"continuation"`
	Status        Status `json:"status"`
}

// ReconcileScheduler receives poll-style attempts after a successful
// initiation. Scheduling must not block the orchestrator's return.
type ReconcileScheduler interface {
	Schedule(attempt *PaymentAttempt)
}

// Orchestrator validates a payment request, opens the ledger entry, drives
// the provider initiation and stores the correlation id.
type Orchestrator struct {
	ledger     *Ledger
	registry   *Registry
	reconciler ReconcileScheduler
	logger     *slog.Logger
}

func NewOrchestrator(ledger *Ledger, registry *Registry, reconciler ReconcileScheduler, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:     ledger,
		registry:   registry,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Pay runs the initiation flow. When the adapter call fails the attempt is
// left PENDING with no correlation id: it never reached the provider in a
// way that could independently resolve, so it is excluded from
// reconciliation and the caller may retry with a fresh attempt.
func (o *Orchestrator) Pay(ctx context.Context, req PayRequest) (Continuation, error) {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.pay")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.method", string(req.Method)),
		attribute.Int64("payment.amount", req.Amount),
	)

	if err := validate(req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return Continuation{}, err
	}

	adapter, err := o.registry.Resolve(req.Method)
	if err != nil {
		return Continuation{}, err
	}

	attempt, err := o.ledger.Create(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Continuation{}, err
	}
	attemptsInitiated.WithLabelValues(string(req.Method)).Inc()

	initiation, err := adapter.Initiate(ctx, providers.InitiationRequest{
		Amount:       req.Amount,
		Currency:     req.Currency,
		PayerContact: req.PayerContact,
		Description:  req.Description,
	})
	if err != nil {
		initiationFailures.WithLabelValues(string(req.Method)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiation failed")
		o.logger.Warn("provider initiation failed",
			"attemptId", attempt.ID, "method", req.Method, "error", err)
		return Continuation{}, err
	}

	if err := o.ledger.AttachCorrelation(ctx, attempt.ID, initiation.CorrelationID); err != nil {
		span.RecordError(err)
		return Continuation{}, err
	}
	attempt.CorrelationID = initiation.CorrelationID

	if req.Method.PollStyle() && o.reconciler != nil {
		o.reconciler.Schedule(attempt)
	}

	span.SetAttributes(attribute.String("payment.correlation_id", initiation.CorrelationID))
	return Continuation{
		AttemptID:     attempt.ID,
		CorrelationID: initiation.CorrelationID,
		Value:         initiation.Continuation,
		Status:        StatusPending,
	}, nil
}

func validate(req PayRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !req.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}
	if req.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	if req.Method != MethodStripe && req.PayerContact == "" {
		return fmt.Errorf("%w: phone number is required for %s", ErrInvalidRequest, req.Method)
	}
	return nil
}
