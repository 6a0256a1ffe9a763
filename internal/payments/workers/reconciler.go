// Package workers holds the reconciliation poller for providers that offer
// no reliable callback.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"schoolpay/internal/payments"
	"schoolpay/internal/providers"
)

var tracer = otel.Tracer("reconciler")

// Config bounds the poll loop. The deadline is what turns an attempt the
// provider never resolves into a FAILED record instead of leaving it
// PENDING forever.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 2 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 5 * time.Minute
	}
	return c
}

const timeoutReason = "reconciliation deadline exceeded"

// Reconciler polls poll-style providers until an attempt resolves or the
// configured bound expires. At most one poll loop runs per attempt.
type Reconciler struct {
	ledger   *payments.Ledger
	registry *payments.Registry
	resolver *payments.Resolver
	logger   *slog.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewReconciler(ledger *payments.Ledger, registry *payments.Registry, resolver *payments.Resolver, cfg Config, logger *slog.Logger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		ledger:   ledger,
		registry: registry,
		resolver: resolver,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Schedule starts a background poll loop for the attempt. Attempts without a
// correlation id never reached the provider and are skipped; an attempt
// already being polled is a no-op.
func (r *Reconciler) Schedule(attempt *payments.PaymentAttempt) {
	if attempt.CorrelationID == "" || attempt.Status.Terminal() {
		return
	}

	r.mu.Lock()
	if _, running := r.inflight[attempt.ID]; running {
		r.mu.Unlock()
		return
	}
	r.inflight[attempt.ID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, attempt.ID)
			r.mu.Unlock()
		}()
		r.poll(attempt)
	}()
}

// Stop cancels all running poll loops and waits for them to exit.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) poll(attempt *payments.PaymentAttempt) {
	ctx, span := tracer.Start(r.ctx, "reconciler.poll")
	defer span.End()
	span.SetAttributes(
		attribute.String("attempt.id", attempt.ID),
		attribute.String("attempt.correlation_id", attempt.CorrelationID),
		attribute.String("attempt.method", string(attempt.Method)),
	)

	adapter, err := r.registry.Resolve(attempt.Method)
	if err != nil {
		r.logger.Error("cannot poll attempt", "attemptId", attempt.ID, "error", err)
		return
	}

	deadline := time.Now().Add(r.cfg.MaxElapsed)
	interval := r.cfg.InitialInterval
	polls := 0

	for {
		if time.Now().After(deadline) {
			// Exhaustion is a terminal failure, not an attempt stuck
			// PENDING forever.
			span.SetStatus(codes.Error, "poll deadline exceeded")
			r.logger.Warn("reconciliation deadline exceeded, failing attempt",
				"attemptId", attempt.ID, "correlationId", attempt.CorrelationID, "polls", polls)
			r.apply(ctx, attempt, payments.StatusFailed, timeoutReason)
			return
		}

		result, err := adapter.QueryStatus(ctx, attempt.CorrelationID)
		polls++
		switch {
		case errors.Is(err, providers.ErrQueryUnsupported):
			r.logger.Error("poll scheduled for a provider without status query",
				"attemptId", attempt.ID, "method", attempt.Method)
			return
		case err != nil:
			// Transient: keep trying until the deadline decides.
			r.logger.Warn("status query failed",
				"attemptId", attempt.ID, "correlationId", attempt.CorrelationID, "error", err)
		case result.Pending:
			// Keep waiting.
		default:
			r.apply(ctx, attempt, payments.StatusFromOutcome(result.Outcome), result.Reason)
			return
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
		interval *= 2
		if interval > r.cfg.MaxInterval {
			interval = r.cfg.MaxInterval
		}
	}
}

// ForcePass runs a single reconciliation pass for a correlation id. Exposed
// to callers as the status-check entry point. Already-terminal attempts are
// returned as-is without touching the provider.
func (r *Reconciler) ForcePass(ctx context.Context, correlationID string, method payments.Method) (*payments.PaymentAttempt, error) {
	attempt, err := r.ledger.Get(ctx, correlationID, method)
	if err != nil {
		return nil, err
	}
	if attempt.Status.Terminal() {
		return attempt, nil
	}

	adapter, err := r.registry.Resolve(method)
	if err != nil {
		return nil, err
	}
	result, err := adapter.QueryStatus(ctx, correlationID)
	if errors.Is(err, providers.ErrQueryUnsupported) {
		// Push-style provider: the ledger already holds the latest truth.
		return attempt, nil
	}
	if err != nil {
		return nil, err
	}
	if result.Pending {
		return attempt, nil
	}

	attempt, _, err = r.resolver.Resolve(ctx, correlationID, method,
		payments.StatusFromOutcome(result.Outcome), result.Reason)
	return attempt, err
}

func (r *Reconciler) apply(ctx context.Context, attempt *payments.PaymentAttempt, status payments.Status, reason string) {
	_, transitioned, err := r.resolver.Resolve(ctx, attempt.CorrelationID, attempt.Method, status, reason)
	if err != nil {
		r.logger.Error("failed to apply poll result",
			"attemptId", attempt.ID, "correlationId", attempt.CorrelationID, "error", err)
		return
	}
	if transitioned {
		r.logger.Info("attempt resolved by reconciliation",
			"attemptId", attempt.ID, "status", status, "reason", reason)
	}
}
