package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"schoolpay/internal/payments"
	"schoolpay/internal/providers"
)

// CallbackHandler receives provider-pushed notifications. Each provider
// carries its authenticity proof differently, so every route extracts the
// signature its provider uses before handing off to the normalizer.
type CallbackHandler struct {
	normalizer *payments.Normalizer
}

func NewCallbackHandler(normalizer *payments.Normalizer) *CallbackHandler {
	return &CallbackHandler{normalizer: normalizer}
}

// HandleStripe verifies against the Stripe-Signature header computed over
// the raw request body.
func (h *CallbackHandler) HandleStripe(c echo.Context) error {
	return h.handle(c, payments.MethodStripe, c.Request().Header.Get("Stripe-Signature"))
}

// HandleMpesa has no signature; the adapter confirms authenticity by
// re-querying the provider.
func (h *CallbackHandler) HandleMpesa(c echo.Context) error {
	return h.handle(c, payments.MethodMpesa, "")
}

func (h *CallbackHandler) HandleSpenn(c echo.Context) error {
	return h.handle(c, payments.MethodSpenn, c.Request().Header.Get("Callback-Token"))
}

func (h *CallbackHandler) handle(c echo.Context, method payments.Method, signature string) error {
	ctx := c.Request().Context()
	tracer := otel.Tracer("callback-handler")
	ctx, span := tracer.Start(ctx, "callback-handler", trace.WithAttributes(
		attribute.String("handler", "callback"),
		attribute.String("payment.method", string(method)),
	))
	defer span.End()

	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		span.RecordError(err)
		return c.NoContent(http.StatusBadRequest)
	}

	attempt, transitioned, err := h.normalizer.Handle(ctx, method, payload, signature)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, providers.ErrNotificationIgnored):
			// An event type we do not act on. Acknowledge so the provider
			// stops redelivering it.
			return c.NoContent(http.StatusOK)
		case errors.Is(err, providers.ErrInvalidNotification):
			return c.JSON(http.StatusBadRequest, errorBody("notification rejected"))
		case errors.Is(err, payments.ErrUnknownAttempt):
			return c.JSON(http.StatusNotFound, errorBody("unknown payment attempt"))
		case errors.Is(err, providers.ErrUnavailable):
			return c.JSON(http.StatusBadGateway, errorBody("provider unavailable"))
		default:
			c.Logger().Errorf("callback processing failed: %v", err)
			return c.NoContent(http.StatusInternalServerError)
		}
	}

	span.SetAttributes(attribute.Bool("payment.transitioned", transitioned))
	return c.JSON(http.StatusOK, map[string]string{
		"attemptId": attempt.ID,
		"status":    string(attempt.Status),
	})
}
