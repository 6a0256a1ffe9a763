package payments

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewLedger(store, slog.Default()), store
}

func TestLedgerCreateOpensPendingAttempt(t *testing.T) {
	ledger, _ := testLedger(t)

	attempt, err := ledger.Create(context.Background(), PayRequest{
		Amount:       150000,
		Currency:     "RWF",
		Method:       MethodMpesa,
		PayerContact: "+250780000001",
		SubjectRef:   "student-42",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, attempt.ID)
	assert.Equal(t, StatusPending, attempt.Status)
	assert.Empty(t, attempt.CorrelationID)
	assert.Nil(t, attempt.ResolvedAt)
	assert.Equal(t, int64(150000), attempt.Amount)
	assert.False(t, attempt.CreatedAt.IsZero())
}

func TestLedgerAttachCorrelationExactlyOnce(t *testing.T) {
	ledger, _ := testLedger(t)

	attempt, err := ledger.Create(context.Background(), PayRequest{
		Amount: 100, Currency: "RWF", Method: MethodSpenn, PayerContact: "+250780000001",
	})
	require.NoError(t, err)

	require.NoError(t, ledger.AttachCorrelation(context.Background(), attempt.ID, "ext-ref-1"))

	err = ledger.AttachCorrelation(context.Background(), attempt.ID, "ext-ref-2")
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	got, err := ledger.Get(context.Background(), "ext-ref-1", MethodSpenn)
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, got.ID)
}

func TestLedgerApplyTerminalIsIdempotent(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()

	attempt, err := ledger.Create(ctx, PayRequest{
		Amount: 100, Currency: "KES", Method: MethodMpesa, PayerContact: "+254700000001",
	})
	require.NoError(t, err)
	require.NoError(t, ledger.AttachCorrelation(ctx, attempt.ID, "ws_CO_1"))

	got, transitioned, err := ledger.ApplyTerminal(ctx, "ws_CO_1", MethodMpesa, StatusSuccess)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, StatusSuccess, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// Redelivery and a conflicting late outcome both lose to the first write.
	got, transitioned, err = ledger.ApplyTerminal(ctx, "ws_CO_1", MethodMpesa, StatusSuccess)
	require.NoError(t, err)
	assert.False(t, transitioned)

	got, transitioned, err = ledger.ApplyTerminal(ctx, "ws_CO_1", MethodMpesa, StatusFailed)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, StatusSuccess, got.Status)
}

func TestLedgerApplyTerminalRejectsNonTerminalStatus(t *testing.T) {
	ledger, _ := testLedger(t)

	_, _, err := ledger.ApplyTerminal(context.Background(), "ws_CO_1", MethodMpesa, StatusPending)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLedgerUnknownCorrelationNeverCreatesRecords(t *testing.T) {
	ledger, store := testLedger(t)

	_, _, err := ledger.ApplyTerminal(context.Background(), "never-issued", MethodMTN, StatusSuccess)
	assert.ErrorIs(t, err, ErrUnknownAttempt)
	assert.Equal(t, 0, store.Len())
}

func TestLedgerCorrelationIsScopedByMethod(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()

	attempt, err := ledger.Create(ctx, PayRequest{
		Amount: 100, Currency: "RWF", Method: MethodSpenn, PayerContact: "+250780000001",
	})
	require.NoError(t, err)
	require.NoError(t, ledger.AttachCorrelation(ctx, attempt.ID, "shared-id"))

	// Same id under a different provider must not resolve this attempt.
	_, _, err = ledger.ApplyTerminal(ctx, "shared-id", MethodMTN, StatusSuccess)
	assert.ErrorIs(t, err, ErrUnknownAttempt)
}

func TestLedgerConcurrentTerminalDeliveriesTransitionOnce(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()

	attempt, err := ledger.Create(ctx, PayRequest{
		Amount: 100, Currency: "KES", Method: MethodMpesa, PayerContact: "+254700000001",
	})
	require.NoError(t, err)
	require.NoError(t, ledger.AttachCorrelation(ctx, attempt.ID, "ws_CO_race"))

	const deliveries = 16
	var wg sync.WaitGroup
	wins := make(chan Status, deliveries)

	for i := 0; i < deliveries; i++ {
		status := StatusSuccess
		if i%2 == 1 {
			status = StatusFailed
		}
		wg.Add(1)
		go func(status Status) {
			defer wg.Done()
			_, transitioned, err := ledger.ApplyTerminal(ctx, "ws_CO_race", MethodMpesa, status)
			require.NoError(t, err)
			if transitioned {
				wins <- status
			}
		}(status)
	}
	wg.Wait()
	close(wins)

	var winners []Status
	for s := range wins {
		winners = append(winners, s)
	}
	require.Len(t, winners, 1)

	got, err := ledger.Get(ctx, "ws_CO_race", MethodMpesa)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Status)
}
