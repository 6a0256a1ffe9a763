// Package mpesa adapts the M-Pesa STK push API. The customer approves the
// payment on their handset and M-Pesa calls back; the callback body is not
// signed, so authenticity is established by re-querying the transaction
// status before anything reaches the ledger.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"schoolpay/internal/providers"
)

var tracer = otel.Tracer("mpesa-adapter")

const timestampLayout = "20060102150405"

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
}

type Adapter struct {
	cfg        Config
	httpClient *http.Client
	tokens     *providers.TokenSource
	now        func() time.Time
}

func New(cfg Config, httpClient *http.Client) *Adapter {
	a := &Adapter{cfg: cfg, httpClient: httpClient, now: time.Now}
	a.tokens = providers.NewTokenSource(a.fetchToken)
	return a
}

func (a *Adapter) Name() string { return "mpesa" }

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	url := a.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(a.cfg.ConsumerKey, a.cfg.ConsumerSecret)

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
	seconds, err := strconv.Atoi(auth.ExpiresIn)
	if err != nil || seconds <= 0 {
		seconds = 3600
	}
	return auth.AccessToken, time.Duration(seconds) * time.Second, nil
}

// password is the request-signing credential M-Pesa derives from the short
// code, pass key and timestamp.
func (a *Adapter) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(a.cfg.ShortCode + a.cfg.PassKey + timestamp))
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (a *Adapter) Initiate(ctx context.Context, req providers.InitiationRequest) (providers.Initiation, error) {
	ctx, span := tracer.Start(ctx, "mpesa.initiate")
	defer span.End()

	phone := strings.TrimPrefix(req.PayerContact, "+")
	timestamp := a.now().Format(timestampLayout)
	description := req.Description
	if description == "" {
		description = "School fee payment"
	}

	body := stkPushRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          a.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            a.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  description,
		TransactionDesc:   description,
	}

	var pushResp stkPushResponse
	if err := a.post(ctx, "/mpesa/stkpush/v1/processrequest", body, &pushResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stk push failed")
		return providers.Initiation{}, err
	}
	if pushResp.ResponseCode != "0" {
		return providers.Initiation{}, fmt.Errorf("%w: %s", providers.ErrRejected, pushResp.ResponseDescription)
	}

	continuation := pushResp.CustomerMessage
	if continuation == "" {
		continuation = pushResp.ResponseDescription
	}
	span.SetAttributes(attribute.String("payment.correlation_id", pushResp.CheckoutRequestID))
	return providers.Initiation{
		CorrelationID: pushResp.CheckoutRequestID,
		Continuation:  continuation,
	}, nil
}

// QueryStatus is unsupported: M-Pesa resolves through its callback, and the
// callback path already confirms against the status query endpoint.
func (a *Adapter) QueryStatus(ctx context.Context, correlationID string) (providers.PollResult, error) {
	return providers.PollResult{}, providers.ErrQueryUnsupported
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type statusQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type statusQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// VerifyNotification checks the callback's shape, then confirms the outcome
// against M-Pesa's own status query. The callback body itself is treated as
// untrusted input: only the confirmed query result reaches the caller.
func (a *Adapter) VerifyNotification(ctx context.Context, payload []byte, _ string) (providers.Notification, error) {
	ctx, span := tracer.Start(ctx, "mpesa.verify-notification")
	defer span.End()

	var cb stkCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return providers.Notification{}, fmt.Errorf("%w: %v", providers.ErrInvalidNotification, err)
	}
	checkoutID := cb.Body.StkCallback.CheckoutRequestID
	if checkoutID == "" {
		return providers.Notification{}, fmt.Errorf("%w: missing CheckoutRequestID", providers.ErrInvalidNotification)
	}
	span.SetAttributes(attribute.String("payment.correlation_id", checkoutID))

	timestamp := a.now().Format(timestampLayout)
	query := statusQueryRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          a.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutID,
	}
	var status statusQueryResponse
	if err := a.post(ctx, "/mpesa/stkpushquery/v1/query", query, &status); err != nil {
		span.RecordError(err)
		return providers.Notification{}, err
	}

	outcome := providers.OutcomeFailed
	if status.ResultCode == "0" {
		outcome = providers.OutcomeSuccess
	}
	return providers.Notification{
		CorrelationID: checkoutID,
		Outcome:       outcome,
		Reason:        status.ResultDesc,
	}, nil
}

// post sends one authenticated JSON request, refreshing the bearer token
// once on 401.
func (a *Adapter) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mpesa: encoding request: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("mpesa: building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			a.tokens.Invalidate()
			continue
		}

		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return json.NewDecoder(resp.Body).Decode(out)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%w: HTTP %d: %s", providers.ErrRejected, resp.StatusCode, bytes.TrimSpace(raw))
		default:
			return fmt.Errorf("%w: HTTP %d", providers.ErrUnavailable, resp.StatusCode)
		}
	}
	return errors.New("mpesa: unreachable")
}
