// Package mtn adapts the MTN MoMo collection API. MoMo offers no reliable
// callback: after a request-to-pay is accepted the reconciliation poller
// drives QueryStatus until the customer approves or the bound expires.
package mtn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"schoolpay/internal/providers"
)

var tracer = otel.Tracer("mtn-adapter")

type Config struct {
	BaseURL           string
	APIUser           string
	APIKey            string
	SubscriptionKey   string
	TargetEnvironment string
	Currency          string
}

type Adapter struct {
	cfg        Config
	httpClient *http.Client
	tokens     *providers.TokenSource
	newRef     func() string
}

func New(cfg Config, httpClient *http.Client) *Adapter {
	a := &Adapter{cfg: cfg, httpClient: httpClient, newRef: uuid.NewString}
	a.tokens = providers.NewTokenSource(a.fetchToken)
	return a
}

func (a *Adapter) Name() string { return "mtn" }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/collection/token/", nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(a.cfg.APIUser, a.cfg.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: token request: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: token request returned HTTP %d", providers.ErrUnavailable, resp.StatusCode)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", 0, fmt.Errorf("%w: decoding token response: %v", providers.ErrUnavailable, err)
	}
	ttl := time.Duration(token.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return token.AccessToken, ttl, nil
}

type payer struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPay struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        payer  `json:"payer"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

func (a *Adapter) Initiate(ctx context.Context, req providers.InitiationRequest) (providers.Initiation, error) {
	ctx, span := tracer.Start(ctx, "mtn.initiate")
	defer span.End()

	// MoMo lets the caller mint the reference: it doubles as the
	// correlation id for later status queries.
	referenceID := a.newRef()
	message := req.Description
	if message == "" {
		message = "School fee payment"
	}
	body := requestToPay{
		Amount:     strconv.FormatInt(req.Amount, 10),
		Currency:   a.cfg.Currency,
		ExternalID: a.newRef(),
		Payer: payer{
			PartyIDType: "MSISDN",
			PartyID:     strings.TrimPrefix(req.PayerContact, "+"),
		},
		PayerMessage: message,
		PayeeNote:    message,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return providers.Initiation{}, fmt.Errorf("mtn: encoding request: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return providers.Initiation{}, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/collection/v1_0/requesttopay", bytes.NewReader(payload))
		if err != nil {
			return providers.Initiation{}, fmt.Errorf("mtn: building request: %w", err)
		}
		a.setHeaders(httpReq, token)
		httpReq.Header.Set("X-Reference-Id", referenceID)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			span.RecordError(err)
			return providers.Initiation{}, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			a.tokens.Invalidate()
			continue
		}

		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			span.SetAttributes(attribute.String("payment.correlation_id", referenceID))
			return providers.Initiation{
				CorrelationID: referenceID,
				Continuation:  "approve the payment request on your handset",
			}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return providers.Initiation{}, fmt.Errorf("%w: HTTP %d: %s", providers.ErrRejected, resp.StatusCode, bytes.TrimSpace(raw))
		default:
			return providers.Initiation{}, fmt.Errorf("%w: HTTP %d", providers.ErrUnavailable, resp.StatusCode)
		}
	}
	return providers.Initiation{}, errors.New("mtn: unreachable")
}

type statusReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	Status string        `json:"status"`
	Reason *statusReason `json:"reason,omitempty"`
}

func (a *Adapter) QueryStatus(ctx context.Context, correlationID string) (providers.PollResult, error) {
	ctx, span := tracer.Start(ctx, "mtn.query-status")
	defer span.End()
	span.SetAttributes(attribute.String("payment.correlation_id", correlationID))

	for attempt := 0; attempt < 2; attempt++ {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return providers.PollResult{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/collection/v1_0/requesttopay/"+correlationID, nil)
		if err != nil {
			return providers.PollResult{}, fmt.Errorf("mtn: building request: %w", err)
		}
		a.setHeaders(req, token)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			span.RecordError(err)
			return providers.PollResult{}, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			a.tokens.Invalidate()
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return providers.PollResult{}, fmt.Errorf("%w: HTTP %d", providers.ErrUnavailable, resp.StatusCode)
		}

		var status statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return providers.PollResult{}, fmt.Errorf("%w: decoding status response: %v", providers.ErrUnavailable, err)
		}

		span.SetAttributes(attribute.String("mtn.status", status.Status))
		reason := ""
		if status.Reason != nil {
			reason = status.Reason.Message
		}
		switch status.Status {
		case "SUCCESSFUL", "SUCCESS":
			return providers.PollResult{Outcome: providers.OutcomeSuccess}, nil
		case "FAILED", "REJECTED", "TIMEOUT", "EXPIRED":
			if reason == "" {
				reason = "request " + strings.ToLower(status.Status)
			}
			return providers.PollResult{Outcome: providers.OutcomeFailed, Reason: reason}, nil
		default:
			// PENDING, ONGOING and anything MoMo adds later: keep
			// polling until the reconciliation bound decides.
			return providers.PollResult{Pending: true}, nil
		}
	}
	return providers.PollResult{}, errors.New("mtn: unreachable")
}

func (a *Adapter) VerifyNotification(ctx context.Context, payload []byte, signature string) (providers.Notification, error) {
	return providers.Notification{}, providers.ErrNotificationUnsupported
}

func (a *Adapter) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)
	req.Header.Set("X-Target-Environment", a.cfg.TargetEnvironment)
}
