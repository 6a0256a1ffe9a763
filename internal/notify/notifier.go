// Package notify delivers payment outcome messages to payers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"schoolpay/internal/payments"
)

type Notifier interface {
	NotifyResolution(ctx context.Context, msg payments.ResolutionMessage) error
}

// HTTPNotifier posts outcome messages to an external delivery service
// (mail or SMS relay).
type HTTPNotifier struct {
	url    string
	client *http.Client
}

func NewHTTPNotifier(url string, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNotifier{url: url, client: client}
}

type notification struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

func (n *HTTPNotifier) NotifyResolution(ctx context.Context, msg payments.ResolutionMessage) error {
	body := notification{
		Recipient: msg.PayerContact,
		Subject:   "Payment update",
		Message:   outcomeMessage(msg),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification delivery failed with status %d", resp.StatusCode)
	}
	return nil
}

func outcomeMessage(msg payments.ResolutionMessage) string {
	amount := fmt.Sprintf("%d.%02d %s", msg.Amount/100, msg.Amount%100, msg.Currency)
	if msg.Status == payments.StatusSuccess {
		return fmt.Sprintf("Your payment of %s was successful.", amount)
	}
	if msg.Reason != "" {
		return fmt.Sprintf("Your payment of %s has failed: %s.", amount, msg.Reason)
	}
	return fmt.Sprintf("Your payment of %s has failed.", amount)
}
