package payments

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"schoolpay/internal/providers"
)

var normalizerTracer = otel.Tracer("callback-normalizer")

// Normalizer turns provider-pushed notifications into ledger transitions.
// The adapter's verification step is the authenticity gate: a payload that
// fails it is rejected outright and never reaches the ledger.
type Normalizer struct {
	registry *Registry
	resolver *Resolver
	logger   *slog.Logger
}

func NewNormalizer(registry *Registry, resolver *Resolver, logger *slog.Logger) *Normalizer {
	return &Normalizer{registry: registry, resolver: resolver, logger: logger}
}

// Handle verifies and applies one pushed notification. It returns the
// attempt and whether this delivery performed the transition; duplicate
// deliveries return (attempt, false, nil).
func (n *Normalizer) Handle(ctx context.Context, method Method, payload []byte, signature string) (*PaymentAttempt, bool, error) {
	ctx, span := normalizerTracer.Start(ctx, "normalizer.handle")
	defer span.End()
	span.SetAttributes(attribute.String("payment.method", string(method)))

	adapter, err := n.registry.Resolve(method)
	if err != nil {
		return nil, false, err
	}

	notification, err := adapter.VerifyNotification(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, providers.ErrInvalidNotification) {
			notificationsRejected.WithLabelValues(string(method)).Inc()
			span.SetStatus(codes.Error, "notification rejected")
			n.logger.Warn("rejected provider notification", "method", method, "error", err)
		}
		return nil, false, err
	}
	span.SetAttributes(
		attribute.String("payment.correlation_id", notification.CorrelationID),
		attribute.String("payment.outcome", string(notification.Outcome)),
	)

	attempt, transitioned, err := n.resolver.Resolve(ctx,
		notification.CorrelationID, method,
		StatusFromOutcome(notification.Outcome), notification.Reason)
	if errors.Is(err, ErrUnknownAttempt) {
		// A notification for an attempt we never created. Logged, never
		// retried, never fabricates a record.
		n.logger.Warn("notification for unknown attempt",
			"method", method, "correlationId", notification.CorrelationID)
		return nil, false, err
	}
	return attempt, transitioned, err
}
