// Package stripe adapts the card processor. Initiation opens a
// PaymentIntent whose client secret is the continuation the browser needs
// for card capture; resolution arrives through signed webhook events.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"schoolpay/internal/providers"
)

var tracer = otel.Tracer("stripe-adapter")

type Config struct {
	SecretKey     string
	WebhookSecret string
}

type Adapter struct {
	webhookSecret string
}

func New(cfg Config) (*Adapter, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	stripeapi.Key = cfg.SecretKey
	return &Adapter{webhookSecret: cfg.WebhookSecret}, nil
}

func (a *Adapter) Name() string { return "stripe" }

func (a *Adapter) Initiate(ctx context.Context, req providers.InitiationRequest) (providers.Initiation, error) {
	ctx, span := tracer.Start(ctx, "stripe.initiate")
	defer span.End()
	span.SetAttributes(attribute.Int64("payment.amount", req.Amount))

	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(req.Amount),
		Currency: stripeapi.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripeapi.String(req.Description)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		span.RecordError(err)
		return providers.Initiation{}, mapStripeErr(err)
	}

	span.SetAttributes(attribute.String("payment.correlation_id", pi.ID))
	return providers.Initiation{
		CorrelationID: pi.ID,
		Continuation:  pi.ClientSecret,
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, correlationID string) (providers.PollResult, error) {
	ctx, span := tracer.Start(ctx, "stripe.query-status")
	defer span.End()

	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(correlationID, params)
	if err != nil {
		span.RecordError(err)
		return providers.PollResult{}, mapStripeErr(err)
	}

	switch pi.Status {
	case stripeapi.PaymentIntentStatusSucceeded:
		return providers.PollResult{Outcome: providers.OutcomeSuccess}, nil
	case stripeapi.PaymentIntentStatusCanceled:
		return providers.PollResult{Outcome: providers.OutcomeFailed, Reason: "payment canceled"}, nil
	default:
		// requires_payment_method, requires_action, processing and the
		// other intermediate intent states.
		return providers.PollResult{Pending: true}, nil
	}
}

func (a *Adapter) VerifyNotification(ctx context.Context, payload []byte, signature string) (providers.Notification, error) {
	_, span := tracer.Start(ctx, "stripe.verify-notification")
	defer span.End()

	event, err := webhook.ConstructEvent(payload, signature, a.webhookSecret)
	if err != nil {
		span.RecordError(err)
		return providers.Notification{}, fmt.Errorf("%w: %v", providers.ErrInvalidNotification, err)
	}

	var pi stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return providers.Notification{}, fmt.Errorf("%w: %v", providers.ErrInvalidNotification, err)
	}
	if pi.ID == "" {
		return providers.Notification{}, fmt.Errorf("%w: event carries no payment intent id", providers.ErrInvalidNotification)
	}
	span.SetAttributes(
		attribute.String("stripe.event_type", string(event.Type)),
		attribute.String("payment.correlation_id", pi.ID),
	)

	// Each event type maps to exactly one outcome.
	switch event.Type {
	case "payment_intent.succeeded":
		return providers.Notification{CorrelationID: pi.ID, Outcome: providers.OutcomeSuccess}, nil
	case "payment_intent.payment_failed":
		reason := "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return providers.Notification{CorrelationID: pi.ID, Outcome: providers.OutcomeFailed, Reason: reason}, nil
	case "payment_intent.canceled":
		return providers.Notification{CorrelationID: pi.ID, Outcome: providers.OutcomeFailed, Reason: "payment canceled"}, nil
	default:
		return providers.Notification{}, providers.ErrNotificationIgnored
	}
}

func mapStripeErr(err error) error {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripeapi.ErrorTypeCard, stripeapi.ErrorTypeInvalidRequest:
			return fmt.Errorf("%w: %s", providers.ErrRejected, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
}
