// Package spenn adapts the SPENN push-to-pay API. We mint the external
// reference ourselves at initiation, so the provider's callback can be
// matched back without any provider-assigned id.
package spenn

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"schoolpay/internal/providers"
)

var tracer = otel.Tracer("spenn-adapter")

// Request statuses SPENN reports in its callback body.
const (
	requestStatusApproved = 2
	requestStatusDeclined = 3
	requestStatusExpired  = 4
)

type Config struct {
	BaseURL     string
	TokenURL    string
	APIKey      string
	CallbackURL string
	// CallbackToken is the shared secret SPENN echoes on callbacks.
	CallbackToken string
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

func (a *Adapter) Name() string { return "spenn" }

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"api_key"},
		"api_key":       {a.cfg.APIKey},
		"client_id":     {"SpennBusinessApiKey"},
		"audience":      {"SpennBusiness"},
		"client_secret": {"1234"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: token request: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: token request returned HTTP %d", providers.ErrUnavailable, resp.StatusCode)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", 0, fmt.Errorf("%w: decoding token response: %v", providers.ErrUnavailable, err)
	}
	ttl := time.Duration(auth.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return auth.AccessToken, ttl, nil
}

type transactionRequest struct {
	PhoneNumber       string `json:"phoneNumber"`
	Amount            int64  `json:"amount"`
	Message           string `json:"message"`
	CallbackURL       string `json:"callbackUrl"`
	ExternalReference string `json:"externalReference"`
}

type transactionResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (a *Adapter) Initiate(ctx context.Context, req providers.InitiationRequest) (providers.Initiation, error) {
	ctx, span := tracer.Start(ctx, "spenn.initiate")
	defer span.End()

	ref := a.newRef()
	message := req.Description
	if message == "" {
		message = "School fee payment"
	}
	body := transactionRequest{
		PhoneNumber:       strings.TrimPrefix(req.PayerContact, "+"),
		Amount:            req.Amount,
		Message:           message,
		CallbackURL:       a.cfg.CallbackURL,
		ExternalReference: ref,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return providers.Initiation{}, fmt.Errorf("spenn: encoding request: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return providers.Initiation{}, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/transaction/request", bytes.NewReader(payload))
		if err != nil {
			return providers.Initiation{}, fmt.Errorf("spenn: building request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
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

		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var txResp transactionResponse
			if err := json.NewDecoder(resp.Body).Decode(&txResp); err != nil {
				return providers.Initiation{}, fmt.Errorf("%w: decoding response: %v", providers.ErrUnavailable, err)
			}
			continuation := txResp.Message
			if continuation == "" {
				continuation = "payment request sent to " + req.PayerContact
			}
			span.SetAttributes(attribute.String("payment.correlation_id", ref))
			return providers.Initiation{CorrelationID: ref, Continuation: continuation}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			raw, _ := io.ReadAll(resp.Body)
			return providers.Initiation{}, fmt.Errorf("%w: HTTP %d: %s", providers.ErrRejected, resp.StatusCode, bytes.TrimSpace(raw))
		default:
			return providers.Initiation{}, fmt.Errorf("%w: HTTP %d", providers.ErrUnavailable, resp.StatusCode)
		}
	}
	return providers.Initiation{}, errors.New("spenn: unreachable")
}

func (a *Adapter) QueryStatus(ctx context.Context, correlationID string) (providers.PollResult, error) {
	return providers.PollResult{}, providers.ErrQueryUnsupported
}

type callbackBody struct {
	ExternalReference string `json:"ExternalReference"`
	RequestStatus     int    `json:"RequestStatus"`
	Message           string `json:"Message"`
}

func (a *Adapter) VerifyNotification(ctx context.Context, payload []byte, signature string) (providers.Notification, error) {
	_, span := tracer.Start(ctx, "spenn.verify-notification")
	defer span.End()

	if subtle.ConstantTimeCompare([]byte(signature), []byte(a.cfg.CallbackToken)) != 1 {
		return providers.Notification{}, fmt.Errorf("%w: bad callback token", providers.ErrInvalidNotification)
	}

	var cb callbackBody
	if err := json.Unmarshal(payload, &cb); err != nil {
		return providers.Notification{}, fmt.Errorf("%w: %v", providers.ErrInvalidNotification, err)
	}
	if cb.ExternalReference == "" {
		return providers.Notification{}, fmt.Errorf("%w: missing ExternalReference", providers.ErrInvalidNotification)
	}
	span.SetAttributes(attribute.String("payment.correlation_id", cb.ExternalReference))

	switch cb.RequestStatus {
	case requestStatusApproved:
		return providers.Notification{CorrelationID: cb.ExternalReference, Outcome: providers.OutcomeSuccess}, nil
	case requestStatusDeclined:
		return providers.Notification{CorrelationID: cb.ExternalReference, Outcome: providers.OutcomeFailed, Reason: "request declined"}, nil
	case requestStatusExpired:
		return providers.Notification{CorrelationID: cb.ExternalReference, Outcome: providers.OutcomeFailed, Reason: "request expired"}, nil
	default:
		return providers.Notification{}, fmt.Errorf("%w: unknown RequestStatus %d", providers.ErrInvalidNotification, cb.RequestStatus)
	}
}
