package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const employee = "0x00000000000000000000000000000000000000aa"

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "settlement.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newIntent(id string, kind domain.IntentKind, key string) *domain.Intent {
	now := time.Now().UTC()
	return &domain.Intent{
		ID:            id,
		Kind:          kind,
		NaturalKey:    key,
		Payload:       domain.Payload{Employee: key, Amount: 100},
		State:         domain.StateCreated,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSQLiteStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return openTestStore(t) })
}

func TestOpenSQLiteReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settlement.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	s.Close()

	s, err = OpenSQLite(path)
	require.NoError(t, err, "schema creation must be idempotent")
	s.Close()
}

func TestCreateIntentNaturalKeyGuard(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := newIntent("01A", domain.KindPayEmployee, employee)
	_, err := s.CreateIntent(ctx, first)
	require.NoError(t, err)

	existing, err := s.CreateIntent(ctx, newIntent("01B", domain.KindPayEmployee, employee))
	assert.True(t, errors.Is(err, ErrInFlight))
	require.NotNil(t, existing)
	assert.Equal(t, "01A", existing.ID)

	// A different kind with the same key is independent.
	_, err = s.CreateIntent(ctx, newIntent("01C", domain.KindRemoveEmployee, employee))
	require.NoError(t, err)

	dup, err := s.CreateIntent(ctx, newIntent("01A", domain.KindPayEmployee, "0x00000000000000000000000000000000000000bb"))
	assert.True(t, errors.Is(err, ErrDuplicateID))
	assert.Equal(t, employee, dup.NaturalKey)
}

func TestNaturalKeyReleasedOnTerminalState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	in := newIntent("01A", domain.KindPayEmployee, employee)
	_, err := s.CreateIntent(ctx, in)
	require.NoError(t, err)

	in.State = domain.StateAbandoned
	require.NoError(t, s.UpdateIntent(ctx, in, domain.StateCreated))
	assert.Equal(t, int64(1), in.Version)

	_, err = s.CreateIntent(ctx, newIntent("01B", domain.KindPayEmployee, employee))
	require.NoError(t, err)
}

func TestUpdateIntentCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	in := newIntent("01A", domain.KindPayEmployee, employee)
	_, err := s.CreateIntent(ctx, in)
	require.NoError(t, err)

	a, err := s.GetIntent(ctx, "01A")
	require.NoError(t, err)
	b, err := s.GetIntent(ctx, "01A")
	require.NoError(t, err)

	a.State = domain.StateSubmitting
	require.NoError(t, s.UpdateIntent(ctx, a, domain.StateCreated))

	b.State = domain.StateSubmitting
	assert.ErrorIs(t, s.UpdateIntent(ctx, b, domain.StateCreated), ErrStaleState)

	a.State = domain.StatePending
	a.LedgerRef = &domain.LedgerRef{TxHash: "0xtx1", Nonce: 7}
	now := time.Now().UTC()
	a.SubmittedAt = &now
	require.NoError(t, s.UpdateIntent(ctx, a, domain.StateSubmitting))

	got, err := s.GetIntent(ctx, "01A")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	require.NotNil(t, got.LedgerRef)
	assert.Equal(t, "0xtx1", got.LedgerRef.TxHash)
	assert.Equal(t, uint64(7), got.LedgerRef.Nonce)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.SubmittedAt)
	assert.WithinDuration(t, now, *got.SubmittedAt, time.Microsecond)

	byHash, err := s.ListIntents(ctx, domain.IntentFilter{TxHash: "0xtx1"})
	require.NoError(t, err)
	require.Len(t, byHash, 1)
}

func TestPayInvoiceLinksAndSettles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	inv := &domain.Invoice{ID: "inv1", Payee: employee, Amount: 250, Description: "march", Status: domain.InvoicePending, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateInvoice(ctx, inv))

	in := newIntent("01PAY", domain.KindPayInvoice, "inv1")
	in.Payload = domain.Payload{InvoiceID: "inv1", Employee: employee, Amount: 250}
	_, err := s.CreateIntent(ctx, in)
	require.NoError(t, err)

	got, err := s.GetInvoice(ctx, "inv1")
	require.NoError(t, err)
	assert.Equal(t, "01PAY", got.SettlementIntentID)
	assert.Equal(t, domain.InvoicePending, got.Status)

	in.State = domain.StateSubmitting
	require.NoError(t, s.UpdateIntent(ctx, in, domain.StateCreated))
	in.State = domain.StatePending
	in.LedgerRef = &domain.LedgerRef{TxHash: "0xtx9"}
	require.NoError(t, s.UpdateIntent(ctx, in, domain.StateSubmitting))

	got, err = s.GetInvoice(ctx, "inv1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePending, got.Status, "pending intent must not pay the invoice")

	in.State = domain.StateConfirmed
	require.NoError(t, s.UpdateIntent(ctx, in, domain.StatePending))

	got, err = s.GetInvoice(ctx, "inv1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, got.Status)
	assert.Equal(t, "0xtx9", got.TxHash)
	assert.NotNil(t, got.PaidAt)
}

func TestPayInvoiceRequiresPendingInvoice(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	inv := &domain.Invoice{ID: "inv2", Payee: employee, Amount: 5, Description: "x", Status: domain.InvoicePending, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateInvoice(ctx, inv))
	_, cancelled, err := s.RejectInvoice(ctx, "inv2", "", time.Now())
	require.NoError(t, err)
	assert.Nil(t, cancelled)

	in := newIntent("01PAY", domain.KindPayInvoice, "inv2")
	in.Payload = domain.Payload{InvoiceID: "inv2"}
	_, err = s.CreateIntent(ctx, in)
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)

	_, err = s.GetIntent(ctx, "01PAY")
	assert.ErrorIs(t, err, ErrNotFound, "failed link must roll back the intent")

	_, _, err = s.RejectInvoice(ctx, "missing", "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.RejectInvoice(ctx, "inv2", "", time.Now())
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)
}

func TestListInvoicesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateInvoice(ctx, &domain.Invoice{
			ID: id, Payee: employee, Amount: 1, Description: id, Status: domain.InvoicePending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.CreateInvoice(ctx, &domain.Invoice{
		ID: "d", Payee: "0x00000000000000000000000000000000000000bb", Amount: 1, Description: "d",
		Status: domain.InvoicePending, CreatedAt: base,
	}))

	list, err := s.ListInvoices(ctx, domain.InvoiceFilter{Payee: "0x00000000000000000000000000000000000000AA"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestApplyEventDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	funded := domain.LedgerEvent{ID: "1:0:0", Cursor: domain.Cursor{Block: 1}, TxHash: "0xf", Name: domain.EventPayrollFunded, Amount: 1000}
	applied, err := s.ApplyEvent(ctx, funded, domain.Project(funded))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyEvent(ctx, funded, domain.Project(funded))
	require.NoError(t, err)
	assert.False(t, applied)

	paid := domain.LedgerEvent{ID: "2:0:0", Cursor: domain.Cursor{Block: 2}, TxHash: "0xp", Name: domain.EventEmployeePaid, Employee: employee, Amount: 100, Timestamp: time.Now()}
	_, err = s.ApplyEvent(ctx, paid, domain.Project(paid))
	require.NoError(t, err)

	treasury, err := s.GetRecord(ctx, domain.RecordBalance, domain.TreasuryKey)
	require.NoError(t, err)
	assert.Equal(t, int64(900), treasury.Balance)

	emp, err := s.GetRecord(ctx, domain.RecordEmployee, employee)
	require.NoError(t, err)
	assert.Equal(t, int64(100), emp.PaidTotal)
	assert.Equal(t, "2:0:0", emp.LastEventID)
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.True(t, c.IsZero())

	want := domain.Cursor{Block: 42, TxIndex: 3, LogIndex: 1}
	require.NoError(t, s.SaveCursor(ctx, want))
	require.NoError(t, s.SaveCursor(ctx, want))

	got, err := s.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDivergences(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateDivergence(ctx, &domain.Divergence{
		ID: "d1", Kind: domain.DivergenceBalance, Subject: domain.TreasuryKey, Detail: "drift", Local: 1, Ledger: 2, CreatedAt: time.Now(),
	}))
	list, err := s.ListDivergences(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.DivergenceBalance, list[0].Kind)
	assert.Equal(t, int64(2), list[0].Ledger)
}
