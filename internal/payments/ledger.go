package payments

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ledgerTracer = otel.Tracer("payment-ledger")

// Ledger owns the only mutation path for payment attempts. Every attempt is
// mutated exactly twice: once to attach the provider correlation id, once to
// apply a terminal status.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Create opens a PENDING attempt with no correlation id.
func (l *Ledger) Create(ctx context.Context, req PayRequest) (*PaymentAttempt, error) {
	ctx, span := ledgerTracer.Start(ctx, "ledger.create")
	defer span.End()

	attempt := &PaymentAttempt{
		ID:           uuid.NewString(),
		Amount:       req.Amount,
		Currency:     req.Currency,
		Method:       req.Method,
		Status:       StatusPending,
		PayerContact: req.PayerContact,
		SubjectRef:   req.SubjectRef,
		CreatedAt:    l.now().UTC(),
	}
	span.SetAttributes(
		attribute.String("attempt.id", attempt.ID),
		attribute.String("attempt.method", string(attempt.Method)),
		attribute.Int64("attempt.amount", attempt.Amount),
	)
	if err := l.store.Insert(ctx, attempt); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return attempt, nil
}

// AttachCorrelation records the provider-assigned id, exactly once.
func (l *Ledger) AttachCorrelation(ctx context.Context, id, correlationID string) error {
	ctx, span := ledgerTracer.Start(ctx, "ledger.attach-correlation")
	defer span.End()
	span.SetAttributes(
		attribute.String("attempt.id", id),
		attribute.String("attempt.correlation_id", correlationID),
	)
	return l.store.AttachCorrelation(ctx, id, correlationID)
}

// ApplyTerminal is the convergence point for callbacks and poll results. It
// reports whether this call performed the transition: a duplicate delivery
// or a lost race yields (attempt, false, nil), which is how callers decide
// not to emit a second resolution event. An unknown (correlationID, method)
// pair yields ErrUnknownAttempt and never creates a record.
func (l *Ledger) ApplyTerminal(ctx context.Context, correlationID string, method Method, status Status) (*PaymentAttempt, bool, error) {
	ctx, span := ledgerTracer.Start(ctx, "ledger.apply-terminal")
	defer span.End()
	span.SetAttributes(
		attribute.String("attempt.correlation_id", correlationID),
		attribute.String("attempt.method", string(method)),
		attribute.String("attempt.status", string(status)),
	)

	if !status.Terminal() {
		return nil, false, ErrInvalidRequest
	}

	transitioned, err := l.store.TransitionIfPending(ctx, correlationID, method, status, l.now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	attempt, err := l.store.GetByCorrelation(ctx, correlationID, method)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if !transitioned {
		l.logger.Debug("duplicate terminal delivery",
			"correlationId", correlationID, "method", method, "status", attempt.Status)
	}
	span.SetAttributes(attribute.Bool("attempt.transitioned", transitioned))
	return attempt, transitioned, nil
}

// Get returns the attempt for a correlation id.
func (l *Ledger) Get(ctx context.Context, correlationID string, method Method) (*PaymentAttempt, error) {
	return l.store.GetByCorrelation(ctx, correlationID, method)
}

// GetByID returns the attempt for a ledger id.
func (l *Ledger) GetByID(ctx context.Context, id string) (*PaymentAttempt, error) {
	return l.store.GetByID(ctx, id)
}
