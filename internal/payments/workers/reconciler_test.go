package workers

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolpay/internal/payments"
	"schoolpay/internal/providers"
)

type scriptedAdapter struct {
	mu      sync.Mutex
	results []providers.PollResult
	err     error
	calls   int
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Initiate(_ context.Context, _ providers.InitiationRequest) (providers.Initiation, error) {
	return providers.Initiation{}, nil
}

func (a *scriptedAdapter) QueryStatus(_ context.Context, _ string) (providers.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return providers.PollResult{}, a.err
	}
	i := a.calls
	a.calls++
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	return a.results[i], nil
}

func (a *scriptedAdapter) VerifyNotification(_ context.Context, _ []byte, _ string) (providers.Notification, error) {
	return providers.Notification{}, providers.ErrNotificationUnsupported
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type capturingPublisher struct {
	mu        sync.Mutex
	published []payments.ResolutionMessage
}

func (p *capturingPublisher) PublishResolution(_ context.Context, msg payments.ResolutionMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return nil
}

func (p *capturingPublisher) messages() []payments.ResolutionMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]payments.ResolutionMessage(nil), p.published...)
}

func newTestReconciler(t *testing.T, adapter providers.Adapter, cfg Config) (*Reconciler, *payments.Ledger, *capturingPublisher) {
	t.Helper()
	ledger := payments.NewLedger(payments.NewMemoryStore(), slog.Default())
	registry := payments.NewRegistry()
	registry.Register(payments.MethodMTN, adapter)
	publisher := &capturingPublisher{}
	resolver := payments.NewResolver(ledger, publisher, slog.Default())
	r := NewReconciler(ledger, registry, resolver, cfg, slog.Default())
	t.Cleanup(r.Stop)
	return r, ledger, publisher
}

func pollAttempt(t *testing.T, ledger *payments.Ledger, correlationID string) *payments.PaymentAttempt {
	t.Helper()
	attempt, err := ledger.Create(context.Background(), payments.PayRequest{
		Amount:       5000,
		Currency:     "EUR",
		Method:       payments.MethodMTN,
		PayerContact: "+256770000001",
	})
	require.NoError(t, err)
	require.NoError(t, ledger.AttachCorrelation(context.Background(), attempt.ID, correlationID))
	attempt.CorrelationID = correlationID
	return attempt
}

func TestReconcilerResolvesAfterPendingPolls(t *testing.T) {
	adapter := &scriptedAdapter{results: []providers.PollResult{
		{Pending: true},
		{Pending: true},
		{Outcome: providers.OutcomeSuccess},
	}}
	r, ledger, publisher := newTestReconciler(t, adapter, Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	})
	attempt := pollAttempt(t, ledger, "ref-ok")

	r.Schedule(attempt)

	require.Eventually(t, func() bool {
		got, err := ledger.Get(context.Background(), "ref-ok", payments.MethodMTN)
		return err == nil && got.Status == payments.StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	assert.GreaterOrEqual(t, adapter.callCount(), 3)
	require.Len(t, publisher.messages(), 1)
	assert.Equal(t, payments.StatusSuccess, publisher.messages()[0].Status)
}

func TestReconcilerFailsAttemptWhenDeadlineExpires(t *testing.T) {
	adapter := &scriptedAdapter{results: []providers.PollResult{{Pending: true}}}
	r, ledger, publisher := newTestReconciler(t, adapter, Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      25 * time.Millisecond,
	})
	attempt := pollAttempt(t, ledger, "ref-stuck")

	r.Schedule(attempt)

	require.Eventually(t, func() bool {
		got, err := ledger.Get(context.Background(), "ref-stuck", payments.MethodMTN)
		return err == nil && got.Status == payments.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	msgs := publisher.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, payments.StatusFailed, msgs[0].Status)
	assert.Equal(t, timeoutReason, msgs[0].Reason)
}

func TestReconcilerTransientQueryErrorsKeepPolling(t *testing.T) {
	adapter := &scriptedAdapter{results: []providers.PollResult{{Outcome: providers.OutcomeSuccess}}}
	adapter.err = providers.ErrUnavailable

	r, ledger, _ := newTestReconciler(t, adapter, Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	})
	attempt := pollAttempt(t, ledger, "ref-flaky")

	r.Schedule(attempt)

	// Let a few failed polls happen, then recover the provider.
	time.Sleep(10 * time.Millisecond)
	adapter.mu.Lock()
	adapter.err = nil
	adapter.mu.Unlock()

	require.Eventually(t, func() bool {
		got, err := ledger.Get(context.Background(), "ref-flaky", payments.MethodMTN)
		return err == nil && got.Status == payments.StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconcilerScheduleDeduplicates(t *testing.T) {
	gate := make(chan providers.PollResult)
	adapter := &gatedAdapter{gate: gate}
	r, ledger, publisher := newTestReconciler(t, adapter, Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	})
	attempt := pollAttempt(t, ledger, "ref-dup")

	r.Schedule(attempt)
	r.Schedule(attempt)

	gate <- providers.PollResult{Outcome: providers.OutcomeSuccess}
	r.Stop()

	assert.Equal(t, 1, adapter.callCount())
	require.Len(t, publisher.messages(), 1)
}

func TestReconcilerSkipsUnpollableAttempts(t *testing.T) {
	adapter := &scriptedAdapter{results: []providers.PollResult{{Pending: true}}}
	r, ledger, _ := newTestReconciler(t, adapter, Config{})

	// No correlation id: the attempt never reached the provider.
	attempt, err := ledger.Create(context.Background(), payments.PayRequest{
		Amount: 100, Currency: "EUR", Method: payments.MethodMTN, PayerContact: "+256770000001",
	})
	require.NoError(t, err)
	r.Schedule(attempt)

	// Already terminal.
	done := pollAttempt(t, ledger, "ref-done")
	_, _, err = payments.NewResolver(ledger, &capturingPublisher{}, slog.Default()).
		Resolve(context.Background(), "ref-done", payments.MethodMTN, payments.StatusSuccess, "")
	require.NoError(t, err)
	done.Status = payments.StatusSuccess
	r.Schedule(done)

	r.Stop()
	assert.Equal(t, 0, adapter.callCount())
}

type gatedAdapter struct {
	mu    sync.Mutex
	calls int
	gate  chan providers.PollResult
}

func (a *gatedAdapter) Name() string { return "gated" }

func (a *gatedAdapter) Initiate(_ context.Context, _ providers.InitiationRequest) (providers.Initiation, error) {
	return providers.Initiation{}, nil
}

func (a *gatedAdapter) QueryStatus(ctx context.Context, _ string) (providers.PollResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	select {
	case res := <-a.gate:
		return res, nil
	case <-ctx.Done():
		return providers.PollResult{}, ctx.Err()
	}
}

func (a *gatedAdapter) VerifyNotification(_ context.Context, _ []byte, _ string) (providers.Notification, error) {
	return providers.Notification{}, providers.ErrNotificationUnsupported
}

func (a *gatedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestForcePass(t *testing.T) {
	t.Run("applies a terminal poll result", func(t *testing.T) {
		adapter := &scriptedAdapter{results: []providers.PollResult{
			{Outcome: providers.OutcomeFailed, Reason: "request rejected"},
		}}
		r, ledger, publisher := newTestReconciler(t, adapter, Config{})
		pollAttempt(t, ledger, "ref-force")

		got, err := r.ForcePass(context.Background(), "ref-force", payments.MethodMTN)
		require.NoError(t, err)
		assert.Equal(t, payments.StatusFailed, got.Status)
		require.Len(t, publisher.messages(), 1)
		assert.Equal(t, "request rejected", publisher.messages()[0].Reason)
	})

	t.Run("pending result leaves the attempt alone", func(t *testing.T) {
		adapter := &scriptedAdapter{results: []providers.PollResult{{Pending: true}}}
		r, ledger, publisher := newTestReconciler(t, adapter, Config{})
		pollAttempt(t, ledger, "ref-wait")

		got, err := r.ForcePass(context.Background(), "ref-wait", payments.MethodMTN)
		require.NoError(t, err)
		assert.Equal(t, payments.StatusPending, got.Status)
		assert.Empty(t, publisher.messages())
	})

	t.Run("terminal attempt skips the provider", func(t *testing.T) {
		adapter := &scriptedAdapter{results: []providers.PollResult{
			{Outcome: providers.OutcomeSuccess},
		}}
		r, ledger, _ := newTestReconciler(t, adapter, Config{})
		pollAttempt(t, ledger, "ref-settled")

		_, err := r.ForcePass(context.Background(), "ref-settled", payments.MethodMTN)
		require.NoError(t, err)
		require.Equal(t, 1, adapter.callCount())

		got, err := r.ForcePass(context.Background(), "ref-settled", payments.MethodMTN)
		require.NoError(t, err)
		assert.Equal(t, payments.StatusSuccess, got.Status)
		assert.Equal(t, 1, adapter.callCount())
	})

	t.Run("unknown correlation", func(t *testing.T) {
		adapter := &scriptedAdapter{results: []providers.PollResult{{Pending: true}}}
		r, _, _ := newTestReconciler(t, adapter, Config{})

		_, err := r.ForcePass(context.Background(), "never-issued", payments.MethodMTN)
		assert.ErrorIs(t, err, payments.ErrUnknownAttempt)
	})
}
