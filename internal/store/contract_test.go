package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises the behaviour every Store implementation must share.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("natural key guard and compare-and-swap", func(t *testing.T) { contractIntentGuards(t, open(t)) })
	t.Run("concurrent create has one winner", func(t *testing.T) { contractConcurrentCreate(t, open(t)) })
	t.Run("reject invoice", func(t *testing.T) { contractRejectInvoice(t, open(t)) })
	t.Run("due intents oldest first", func(t *testing.T) { contractDueOrder(t, open(t)) })
	t.Run("events and cursor", func(t *testing.T) { contractEventsAndCursor(t, open(t)) })
}

func contractIntentGuards(t *testing.T, s Store) {
	ctx := context.Background()

	first := newIntent("01A", domain.KindPayEmployee, employee)
	_, err := s.CreateIntent(ctx, first)
	require.NoError(t, err)

	existing, err := s.CreateIntent(ctx, newIntent("01B", domain.KindPayEmployee, employee))
	assert.ErrorIs(t, err, ErrInFlight)
	require.NotNil(t, existing)
	assert.Equal(t, "01A", existing.ID)

	again, err := s.CreateIntent(ctx, newIntent("01A", domain.KindPayEmployee, "other"))
	assert.ErrorIs(t, err, ErrDuplicateID)
	require.NotNil(t, again)

	a, err := s.GetIntent(ctx, "01A")
	require.NoError(t, err)
	b, err := s.GetIntent(ctx, "01A")
	require.NoError(t, err)

	a.State = domain.StateSubmitting
	require.NoError(t, s.UpdateIntent(ctx, a, domain.StateCreated))
	b.State = domain.StateSubmitting
	assert.ErrorIs(t, s.UpdateIntent(ctx, b, domain.StateCreated), ErrStaleState)

	a.State = domain.StatePending
	a.LedgerRef = &domain.LedgerRef{TxHash: "0xtx1", Nonce: 3}
	require.NoError(t, s.UpdateIntent(ctx, a, domain.StateSubmitting))
	a.State = domain.StateConfirmed
	require.NoError(t, s.UpdateIntent(ctx, a, domain.StatePending))

	_, err = s.CreateIntent(ctx, newIntent("01C", domain.KindPayEmployee, employee))
	require.NoError(t, err, "terminal state releases the natural key")

	byHash, err := s.ListIntents(ctx, domain.IntentFilter{TxHash: "0xtx1"})
	require.NoError(t, err)
	require.Len(t, byHash, 1)
	assert.Equal(t, uint64(3), byHash[0].LedgerRef.Nonce)

	counts, err := s.CountIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StateConfirmed])
	assert.Equal(t, 1, counts[domain.StateCreated])
}

func contractConcurrentCreate(t *testing.T, s Store) {
	ctx := context.Background()
	const workers = 8
	var wg sync.WaitGroup
	ids := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := newIntent(string(rune('A'+i)), domain.KindPayEmployee, employee)
			got, err := s.CreateIntent(ctx, in)
			if err == nil {
				ids[i] = in.ID
				return
			}
			if errors.Is(err, ErrInFlight) && got != nil {
				ids[i] = got.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	open, err := s.ListIntents(ctx, domain.IntentFilter{States: domain.InFlightStates})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func contractRejectInvoice(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"inv-created", "inv-submitted", "inv-bare"} {
		require.NoError(t, s.CreateInvoice(ctx, &domain.Invoice{ID: id, Payee: employee, Amount: 40, Description: id, Status: domain.InvoicePending, CreatedAt: now}))
	}
	created := newIntent("01PAY1", domain.KindPayInvoice, "inv-created")
	created.Payload = domain.Payload{InvoiceID: "inv-created", Employee: employee, Amount: 40}
	_, err := s.CreateIntent(ctx, created)
	require.NoError(t, err)

	submitted := newIntent("01PAY2", domain.KindPayInvoice, "inv-submitted")
	submitted.Payload = domain.Payload{InvoiceID: "inv-submitted", Employee: employee, Amount: 40}
	_, err = s.CreateIntent(ctx, submitted)
	require.NoError(t, err)
	submitted.State = domain.StateSubmitting
	require.NoError(t, s.UpdateIntent(ctx, submitted, domain.StateCreated))

	inv, cancelled, err := s.RejectInvoice(ctx, "inv-created", "cancelled: invoice rejected", now)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceRejected, inv.Status)
	require.NotNil(t, cancelled)
	stored, err := s.GetIntent(ctx, "01PAY1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAbandoned, stored.State)
	assert.Equal(t, "cancelled: invoice rejected", stored.LastError)

	_, _, err = s.RejectInvoice(ctx, "inv-submitted", "cancelled: invoice rejected", now)
	assert.ErrorIs(t, err, ErrSettlementInFlight)
	got, err := s.GetInvoice(ctx, "inv-submitted")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePending, got.Status)

	_, cancelled, err = s.RejectInvoice(ctx, "inv-bare", "", now)
	require.NoError(t, err)
	assert.Nil(t, cancelled)
	_, _, err = s.RejectInvoice(ctx, "inv-bare", "", now)
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)
	_, _, err = s.RejectInvoice(ctx, "missing", "", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func contractDueOrder(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	due := map[string]time.Duration{"01A": -time.Minute, "01B": -time.Hour, "01C": -time.Second, "01D": time.Hour}
	for i, id := range []string{"01A", "01B", "01C", "01D"} {
		in := newIntent(id, domain.KindFundPayroll, id)
		in.CreatedAt = base.Add(time.Duration(i) * time.Second)
		in.NextAttemptAt = base.Add(due[id])
		_, err := s.CreateIntent(ctx, in)
		require.NoError(t, err)
	}

	list, err := s.ListIntents(ctx, domain.IntentFilter{States: []domain.IntentState{domain.StateCreated}, DueBefore: base, Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "01B", list[0].ID)
	assert.Equal(t, "01A", list[1].ID)

	list, err = s.ListIntents(ctx, domain.IntentFilter{States: []domain.IntentState{domain.StateCreated}})
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "01D", list[0].ID, "without DueBefore newest first")
}

func contractEventsAndCursor(t *testing.T, s Store) {
	ctx := context.Background()

	funded := domain.LedgerEvent{ID: "1:0:0", Cursor: domain.Cursor{Block: 1}, TxHash: "0xf", Name: domain.EventPayrollFunded, Amount: 1000}
	applied, err := s.ApplyEvent(ctx, funded, domain.Project(funded))
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.ApplyEvent(ctx, funded, domain.Project(funded))
	require.NoError(t, err)
	assert.False(t, applied)

	treasury, err := s.GetRecord(ctx, domain.RecordBalance, domain.TreasuryKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), treasury.Balance)

	c, err := s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Cursor{}, c)
	require.NoError(t, s.SaveCursor(ctx, domain.Cursor{Block: 7, TxIndex: 2, LogIndex: 1}))
	c, err = s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Cursor{Block: 7, TxIndex: 2, LogIndex: 1}, c)
}
