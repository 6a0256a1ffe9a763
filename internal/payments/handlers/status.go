package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"schoolpay/internal/payments"
	"schoolpay/internal/providers"
)

// StatusChecker runs one reconciliation pass and returns the resulting
// attempt.
type StatusChecker interface {
	ForcePass(ctx context.Context, correlationID string, method payments.Method) (*payments.PaymentAttempt, error)
}

type StatusHandler struct {
	checker StatusChecker
}

func NewStatusHandler(checker StatusChecker) *StatusHandler {
	return &StatusHandler{checker: checker}
}

func (h *StatusHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	tracer := otel.Tracer("status-handler")
	ctx, span := tracer.Start(ctx, "status-handler", trace.WithAttributes(
		attribute.String("handler", "status"),
	))
	defer span.End()

	correlationID := c.Param("correlationId")
	method := payments.Method(c.QueryParam("method"))
	if correlationID == "" || !method.Valid() {
		return c.JSON(http.StatusBadRequest, errorBody("correlationId and a valid method are required"))
	}
	span.SetAttributes(
		attribute.String("payment.correlation_id", correlationID),
		attribute.String("payment.method", string(method)),
	)

	attempt, err := h.checker.ForcePass(ctx, correlationID, method)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, payments.ErrUnknownAttempt):
			return c.JSON(http.StatusNotFound, errorBody("unknown payment attempt"))
		case errors.Is(err, providers.ErrUnavailable):
			return c.JSON(http.StatusBadGateway, errorBody("provider unavailable"))
		default:
			c.Logger().Errorf("status check failed: %v", err)
			return c.NoContent(http.StatusInternalServerError)
		}
	}

	return c.JSON(http.StatusOK, attempt)
}
