package spenn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolpay/internal/providers"
)

func newTestAdapter(t *testing.T, mux *http.ServeMux) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	adapter := New(Config{
		BaseURL:       srv.URL,
		TokenURL:      srv.URL + "/token",
		APIKey:        "api-key",
		CallbackURL:   "https://pay.example.com/payments/spenn/callback",
		CallbackToken: "shared-secret",
	}, srv.Client())
	return adapter, srv
}

func tokenMux(t *testing.T) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "api_key", r.PostForm.Get("grant_type"))
		assert.Equal(t, "api-key", r.PostForm.Get("api_key"))
		assert.Equal(t, "SpennBusinessApiKey", r.PostForm.Get("client_id"))
		_ = json.NewEncoder(w).Encode(authResponse{AccessToken: "tok", ExpiresIn: 3600})
	})
	return mux
}

func TestInitiateMintsExternalReference(t *testing.T) {
	var sent transactionRequest
	mux := tokenMux(t)
	mux.HandleFunc("/transaction/request", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		_ = json.NewEncoder(w).Encode(transactionResponse{Message: "request delivered"})
	})
	adapter, _ := newTestAdapter(t, mux)
	adapter.newRef = func() string { return "ref-fixed" }

	initiation, err := adapter.Initiate(context.Background(), providers.InitiationRequest{
		Amount:       80000,
		Currency:     "RWF",
		PayerContact: "+250780000001",
	})
	require.NoError(t, err)

	assert.Equal(t, "ref-fixed", initiation.CorrelationID)
	assert.Equal(t, "request delivered", initiation.Continuation)
	assert.Equal(t, "ref-fixed", sent.ExternalReference)
	assert.Equal(t, "250780000001", sent.PhoneNumber)
	assert.Equal(t, int64(80000), sent.Amount)
	assert.Equal(t, "https://pay.example.com/payments/spenn/callback", sent.CallbackURL)
}

func TestInitiateRejectedByProvider(t *testing.T) {
	mux := tokenMux(t)
	mux.HandleFunc("/transaction/request", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown subscriber", http.StatusUnprocessableEntity)
	})
	adapter, _ := newTestAdapter(t, mux)

	_, err := adapter.Initiate(context.Background(), providers.InitiationRequest{
		Amount: 100, Currency: "RWF", PayerContact: "+250780000001",
	})
	assert.ErrorIs(t, err, providers.ErrRejected)
}

func TestVerifyNotificationRequiresCallbackToken(t *testing.T) {
	adapter := New(Config{CallbackToken: "shared-secret"}, http.DefaultClient)

	payload := []byte(`{"ExternalReference":"ref-1","RequestStatus":2}`)

	_, err := adapter.VerifyNotification(context.Background(), payload, "wrong")
	assert.ErrorIs(t, err, providers.ErrInvalidNotification)

	notification, err := adapter.VerifyNotification(context.Background(), payload, "shared-secret")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", notification.CorrelationID)
	assert.Equal(t, providers.OutcomeSuccess, notification.Outcome)
}

func TestVerifyNotificationStatusMapping(t *testing.T) {
	adapter := New(Config{CallbackToken: "shared-secret"}, http.DefaultClient)

	tests := []struct {
		name    string
		status  int
		outcome providers.Outcome
		reason  string
		invalid bool
	}{
		{name: "approved", status: 2, outcome: providers.OutcomeSuccess},
		{name: "declined", status: 3, outcome: providers.OutcomeFailed, reason: "request declined"},
		{name: "expired", status: 4, outcome: providers.OutcomeFailed, reason: "request expired"},
		{name: "unknown status", status: 9, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(callbackBody{
				ExternalReference: "ref-1",
				RequestStatus:     tt.status,
			})
			require.NoError(t, err)

			notification, err := adapter.VerifyNotification(context.Background(), payload, "shared-secret")
			if tt.invalid {
				assert.ErrorIs(t, err, providers.ErrInvalidNotification)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, notification.Outcome)
			assert.Equal(t, tt.reason, notification.Reason)
		})
	}
}

func TestVerifyNotificationMissingReference(t *testing.T) {
	adapter := New(Config{CallbackToken: "shared-secret"}, http.DefaultClient)

	_, err := adapter.VerifyNotification(context.Background(), []byte(`{"RequestStatus":2}`), "shared-secret")
	assert.ErrorIs(t, err, providers.ErrInvalidNotification)
}

func TestQueryStatusUnsupported(t *testing.T) {
	adapter := New(Config{}, http.DefaultClient)

	_, err := adapter.QueryStatus(context.Background(), "ref-1")
	assert.ErrorIs(t, err, providers.ErrQueryUnsupported)
}
