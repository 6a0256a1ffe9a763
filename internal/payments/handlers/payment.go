package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"schoolpay/internal/payments"
	"schoolpay/internal/providers"
)

type PaymentHandler struct {
	orchestrator *payments.Orchestrator
}

type paymentRequest struct {
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Method       string `json:"method"`
	PayerContact string `json:"payerContact"`
	SubjectRef   string `json:"subjectRef"`
	Description  string `json:"description"`
}

type paymentResponse struct {
	AttemptID     string `json:"attemptId"`
	CorrelationID string `json:"correlationId"`
	Continuation  string `json:"continuation,omitempty"`
	Status        string `json:"status"`
}

func NewPaymentHandler(orchestrator *payments.Orchestrator) *PaymentHandler {
	return &PaymentHandler{
		orchestrator: orchestrator,
	}
}

func (h *PaymentHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	tracer := otel.Tracer("payment-handler")
	ctx, span := tracer.Start(ctx, "payment-handler", trace.WithAttributes(
		attribute.String("handler", "payment"),
	))
	defer span.End()

	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadRequest, errorBody("malformed payment request"))
	}

	span.SetAttributes(
		attribute.Int64("payment.amount", req.Amount),
		attribute.String("payment.method", req.Method),
	)

	cont, err := h.orchestrator.Pay(ctx, payments.PayRequest{
		Amount:       req.Amount,
		Currency:     req.Currency,
		Method:       payments.Method(req.Method),
		PayerContact: req.PayerContact,
		SubjectRef:   req.SubjectRef,
		Description:  req.Description,
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, payments.ErrInvalidRequest),
			errors.Is(err, payments.ErrUnsupportedMethod),
			errors.Is(err, providers.ErrRejected):
			return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		case errors.Is(err, providers.ErrUnavailable):
			return c.JSON(http.StatusBadGateway, errorBody("payment provider unavailable"))
		default:
			c.Logger().Errorf("payment initiation failed: %v", err)
			return c.NoContent(http.StatusInternalServerError)
		}
	}

	return c.JSON(http.StatusCreated, paymentResponse{
		AttemptID:     cont.AttemptID,
		CorrelationID: cont.CorrelationID,
		Continuation:  cont.Value,
		Status:        string(cont.Status),
	})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
