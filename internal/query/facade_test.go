package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/ledger"
	"github.com/punchamoorthee/settlement/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
	carol = "0x00000000000000000000000000000000000000cc"
	token = "0x00000000000000000000000000000000000000dd"
)

func seed(t *testing.T) (*Facade, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "settlement.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	events := []domain.LedgerEvent{
		{Name: domain.EventEmployeeAdded, Employee: alice, Token: token, Symbol: "ETH", Salary: 100},
		{Name: domain.EventEmployeeAdded, Employee: bob, Token: token, Symbol: "ETH", Salary: 50},
		{Name: domain.EventPayrollFunded, Amount: 1000},
	}
	for i, ev := range events {
		ev.Cursor = domain.Cursor{Block: 1, TxIndex: uint(i)}
		ev.ID = domain.EventID(ev.Cursor)
		ev.Timestamp = time.Now()
		_, err := st.ApplyEvent(ctx, ev, domain.Project(ev))
		require.NoError(t, err)
	}
	return NewFacade(st, ledger.NewSimulator()), st
}

func intent(t *testing.T, st store.Store, id string, kind domain.IntentKind, p domain.Payload) *domain.Intent {
	t.Helper()
	p, key, err := domain.Normalize(kind, p)
	require.NoError(t, err)
	now := time.Now().UTC()
	in := &domain.Intent{ID: id, Kind: kind, NaturalKey: key, Payload: p, State: domain.StateCreated, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now}
	_, err = st.CreateIntent(context.Background(), in)
	require.NoError(t, err)
	return in
}

// submitted moves a created intent to pending, as a successful ledger submission would.
func submitted(t *testing.T, st store.Store, in *domain.Intent) {
	t.Helper()
	ctx := context.Background()
	in.State = domain.StateSubmitting
	require.NoError(t, st.UpdateIntent(ctx, in, domain.StateCreated))
	in.State = domain.StatePending
	in.LedgerRef = &domain.LedgerRef{TxHash: "0x" + in.ID}
	require.NoError(t, st.UpdateIntent(ctx, in, domain.StateSubmitting))
}

func TestListRecordsMergesInFlight(t *testing.T) {
	ctx := context.Background()
	f, st := seed(t)

	submitted(t, st, intent(t, st, "pay1", domain.KindPayEmployee, domain.Payload{Employee: alice, Amount: 30}))
	submitted(t, st, intent(t, st, "all1", domain.KindPayAllEmployees, domain.Payload{Employees: []string{alice, bob}}))
	submitted(t, st, intent(t, st, "add1", domain.KindAddEmployee, domain.Payload{Employee: carol, Token: token, Symbol: "BTC", Salary: 70}))

	views, err := f.ListRecords(ctx, domain.RecordFilter{})
	require.NoError(t, err)

	byKey := map[string]*RecordView{}
	for _, v := range views {
		byKey[v.Key] = v
	}

	require.Contains(t, byKey, alice)
	assert.Equal(t, int64(130), byKey[alice].Processing, "explicit amount plus salary from the batch")
	assert.Len(t, byKey[alice].InFlight, 2)
	assert.True(t, byKey[alice].Known)

	assert.Equal(t, int64(50), byKey[bob].Processing)

	require.Contains(t, byKey, carol)
	assert.False(t, byKey[carol].Known)
	assert.Equal(t, int64(70), byKey[carol].Salary)

	treasury := byKey[domain.TreasuryKey]
	require.NotNil(t, treasury)
	assert.Equal(t, int64(1000), treasury.Balance)
	assert.Equal(t, int64(180), treasury.Processing)
	require.NotNil(t, treasury.Available)
	assert.Equal(t, int64(820), *treasury.Available)
}

func TestCreatedIntentsAreNotProcessing(t *testing.T) {
	ctx := context.Background()
	f, st := seed(t)
	intent(t, st, "pay1", domain.KindPayEmployee, domain.Payload{Employee: alice, Amount: 30})
	intent(t, st, "add1", domain.KindAddEmployee, domain.Payload{Employee: carol, Token: token, Symbol: "BTC", Salary: 70})

	views, err := f.ListRecords(ctx, domain.RecordFilter{})
	require.NoError(t, err)
	for _, v := range views {
		assert.NotEqual(t, carol, v.Key, "unsubmitted add_employee must not surface")
		assert.Zero(t, v.Processing, v.Key)
		assert.Empty(t, v.InFlight, v.Key)
	}

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Intents[domain.StateCreated])
	assert.Zero(t, stats.Processing)
	assert.Equal(t, int64(1000), stats.Available)
}

func TestListRecordsFilter(t *testing.T) {
	f, st := seed(t)
	intent(t, st, "add1", domain.KindAddEmployee, domain.Payload{Employee: carol, Token: token, Symbol: "BTC", Salary: 70})

	views, err := f.ListRecords(context.Background(), domain.RecordFilter{Kind: domain.RecordEmployee, Key: bob})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, bob, views[0].Key)
	assert.Zero(t, views[0].Processing)
}

func TestListInvoicesShowsProcessing(t *testing.T) {
	ctx := context.Background()
	f, st := seed(t)

	now := time.Now().UTC()
	for _, id := range []string{"inv1", "inv2"} {
		require.NoError(t, st.CreateInvoice(ctx, &domain.Invoice{ID: id, Payee: alice, Amount: 10, Description: id, Status: domain.InvoicePending, CreatedAt: now}))
		now = now.Add(time.Second)
	}
	pay := intent(t, st, "payinv", domain.KindPayInvoice, domain.Payload{InvoiceID: "inv1", Employee: alice, Amount: 10})

	view, err := f.Invoice(ctx, "inv1")
	require.NoError(t, err)
	assert.Equal(t, "pending", view.DisplayStatus, "created settlement has not left the service")
	assert.Equal(t, domain.StateCreated, view.SettlementState)

	submitted(t, st, pay)
	views, err := f.ListInvoices(ctx, domain.InvoiceFilter{Payee: "0x00000000000000000000000000000000000000AA"})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "inv2", views[0].ID)
	assert.Equal(t, "pending", views[0].DisplayStatus)
	assert.Equal(t, "inv1", views[1].ID)
	assert.Equal(t, DisplayProcessing, views[1].DisplayStatus)
	assert.Equal(t, domain.StatePending, views[1].SettlementState)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f, st := seed(t)
	submitted(t, st, intent(t, st, "pay1", domain.KindPayEmployee, domain.Payload{Employee: bob}))

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Intents[domain.StatePending])
	assert.Equal(t, int64(1000), stats.TreasuryBalance)
	assert.Equal(t, int64(50), stats.Processing)
	assert.Equal(t, int64(950), stats.Available)
	assert.Equal(t, 2, stats.ActiveEmployees)
	assert.Zero(t, stats.Divergences)
}

func TestHistoryNewestFirst(t *testing.T) {
	f, st := seed(t)
	intent(t, st, "a", domain.KindFundPayroll, domain.Payload{Amount: 1})
	time.Sleep(time.Millisecond)
	intent(t, st, "b", domain.KindPayEmployee, domain.Payload{Employee: alice})

	list, err := f.History(context.Background(), domain.IntentFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	_, err = f.IntentStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPrices(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "settlement.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	sim := ledger.NewSimulator()
	sim.SetPrice("ETH", 250_000_000_000)
	ev := domain.LedgerEvent{Name: domain.EventOracleUpdated, Symbol: "DOGE", Oracle: "0x0000000000000000000000000000000000000a06", Timestamp: time.Now()}
	ev.ID = domain.EventID(ev.Cursor)
	_, err = st.ApplyEvent(ctx, ev, domain.Project(ev))
	require.NoError(t, err)
	f := NewFacade(st, sim)

	one, err := f.Price(ctx, " eth ")
	require.NoError(t, err)
	assert.Equal(t, "ETH", one.Symbol)
	assert.Equal(t, int64(250_000_000_000), one.Price)

	_, err = f.Price(ctx, "NOPE")
	assert.ErrorIs(t, err, ledger.ErrNoPriceFeed)

	all, err := f.Prices(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(ledger.DefaultOracles)+1)
	bySymbol := map[string]*PriceView{}
	for i, v := range all {
		if i > 0 {
			assert.Less(t, all[i-1].Symbol, v.Symbol)
		}
		bySymbol[v.Symbol] = v
	}
	assert.Equal(t, int64(250_000_000_000), bySymbol["ETH"].Price)
	assert.Empty(t, bySymbol["ETH"].Error)
	require.Contains(t, bySymbol, "DOGE")
	assert.Zero(t, bySymbol["DOGE"].Price)
	assert.NotEmpty(t, bySymbol["DOGE"].Error, "DOGE feed is known to the store but not to the ledger")
}
