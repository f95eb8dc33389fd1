package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
	token = "0x00000000000000000000000000000000000000cc"
)

func addEmployee(id, addr string, salary int64) Envelope {
	return Envelope{IntentID: id, Kind: domain.KindAddEmployee, Payload: domain.Payload{Employee: addr, Token: token, Symbol: "ETH", Salary: salary}}
}

func TestSimulatorLifecycle(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	sim.EchoIntentIDs = true

	ref, err := sim.Submit(ctx, addEmployee("i1", alice, 100))
	require.NoError(t, err)

	rcpt, err := sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ReceiptPending, rcpt.Status)

	_, err = sim.Submit(ctx, Envelope{IntentID: "i2", Kind: domain.KindFundPayroll, Payload: domain.Payload{Amount: 1000}})
	require.NoError(t, err)
	assert.Equal(t, 2, sim.Mine())
	assert.Equal(t, 0, sim.Mine())

	rcpt, err = sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ReceiptConfirmed, rcpt.Status)
	assert.Equal(t, uint64(1), rcpt.Block)

	pay, err := sim.Submit(ctx, Envelope{IntentID: "i3", Kind: domain.KindPayEmployee, Payload: domain.Payload{Employee: alice}})
	require.NoError(t, err)
	sim.Mine()

	bal, err := sim.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(900), bal)

	evs, err := sim.Events(ctx, domain.Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, domain.EventEmployeeAdded, evs[0].Name)
	assert.Equal(t, "1:0:0", evs[0].ID)
	assert.Equal(t, domain.EventPayrollFunded, evs[1].Name)
	assert.Equal(t, "1:1:0", evs[1].ID)
	assert.Equal(t, domain.EventEmployeePaid, evs[2].Name)
	assert.Equal(t, pay.TxHash, evs[2].TxHash)
	assert.Equal(t, "i3", evs[2].IntentID)
	assert.Equal(t, int64(100), evs[2].Amount)

	after, err := sim.Events(ctx, evs[1].Cursor, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, evs[2].ID, after[0].ID)
}

func TestSimulatorRejectsSynchronously(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()

	_, err := sim.Submit(ctx, Envelope{IntentID: "x", Kind: domain.KindPayEmployee, Payload: domain.Payload{Employee: alice}})
	assert.ErrorIs(t, err, ErrRejected)

	env := addEmployee("y", alice, 1)
	env.Payload.Symbol = "DOGE"
	_, err = sim.Submit(ctx, env)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "Oracle not configured")
}

func TestSimulatorRevertsOnInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()

	_, err := sim.Submit(ctx, addEmployee("a", alice, 100))
	require.NoError(t, err)
	sim.Mine()

	ref, err := sim.Submit(ctx, Envelope{IntentID: "p", Kind: domain.KindPayEmployee, Payload: domain.Payload{Employee: alice}})
	require.NoError(t, err)
	sim.Mine()

	rcpt, err := sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ReceiptFailed, rcpt.Status)
	assert.Equal(t, "Insufficient funds", rcpt.Reason)

	evs, err := sim.Events(ctx, domain.Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1, "reverted transactions emit nothing")
}

func TestSimulatorIdempotentByIntentID(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()

	first, err := sim.Submit(ctx, Envelope{IntentID: "f", Kind: domain.KindFundPayroll, Payload: domain.Payload{Amount: 5}})
	require.NoError(t, err)
	again, err := sim.Submit(ctx, Envelope{IntentID: "f", Kind: domain.KindFundPayroll, Payload: domain.Payload{Amount: 5}})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, sim.Mine())

	bal, err := sim.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

func TestSimulatorFaults(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	fund := Envelope{IntentID: "f", Kind: domain.KindFundPayroll, Payload: domain.Payload{Amount: 5}}

	sim.FailNext(ErrUnavailable)
	_, err := sim.Submit(ctx, fund)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, sim.Mine())

	sim.AmbiguousNext(true)
	_, err = sim.Submit(ctx, fund)
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.Equal(t, 1, sim.Mine(), "ambiguous submission still landed")
	assert.Equal(t, 2, sim.Submissions())
}

func TestStreamPagesAndResumes(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	for i := 0; i < 5; i++ {
		_, err := sim.Submit(ctx, Envelope{IntentID: fmt.Sprintf("f%d", i), Kind: domain.KindFundPayroll, Payload: domain.Payload{Amount: 1}})
		require.NoError(t, err)
		sim.Mine()
	}

	s := NewStream(sim, domain.Cursor{}, 2)
	var ids []string
	for s.Next(ctx) && len(ids) < 3 {
		ids = append(ids, s.Event().ID)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"1:0:0", "2:0:0", "3:0:0"}, ids)

	resumed := NewStream(sim, domain.Cursor{Block: 3}, 2)
	ids = nil
	for resumed.Next(ctx) {
		ids = append(ids, resumed.Event().ID)
	}
	require.NoError(t, resumed.Err())
	assert.Equal(t, []string{"4:0:0", "5:0:0"}, ids)
	assert.Equal(t, domain.Cursor{Block: 5}, resumed.Cursor())
}

type failingEvents struct {
	Client
	err error
}

func (f failingEvents) Events(context.Context, domain.Cursor, int) ([]domain.LedgerEvent, error) {
	return nil, f.err
}

func TestStreamStopsOnError(t *testing.T) {
	s := NewStream(failingEvents{err: ErrUnavailable}, domain.Cursor{Block: 9}, 10)
	assert.False(t, s.Next(context.Background()))
	assert.ErrorIs(t, s.Err(), ErrUnavailable)
	assert.Equal(t, domain.Cursor{Block: 9}, s.Cursor())
}

func TestStreamEmptyLog(t *testing.T) {
	sim := NewSimulator()
	sim.SetClock(func() time.Time { return time.Unix(0, 0) })
	s := NewStream(sim, domain.Cursor{}, 0)
	assert.False(t, s.Next(context.Background()))
	assert.NoError(t, s.Err())
}

func TestRequestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		submit bool
		want   error
	}{
		{"no responders", nats.ErrNoResponders, true, ErrUnavailable},
		{"closed", nats.ErrConnectionClosed, true, ErrUnavailable},
		{"submit timeout", nats.ErrTimeout, true, ErrAmbiguous},
		{"submit deadline", context.DeadlineExceeded, true, ErrAmbiguous},
		{"read timeout", nats.ErrTimeout, false, ErrUnavailable},
		{"submit other", errors.New("boom"), true, ErrAmbiguous},
		{"read other", errors.New("boom"), false, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, requestError("settlement.ledger.submit", tc.err, tc.submit), tc.want)
		})
	}
}

func TestReplyErrorRoundTrip(t *testing.T) {
	for _, sentinel := range []error{ErrRejected, ErrUnavailable, ErrAmbiguous, ErrNoPriceFeed} {
		wrapped := fmt.Errorf("%w: detail", sentinel)
		got := replyError(&natsError{Code: errorCode(wrapped), Message: wrapped.Error()})
		assert.ErrorIs(t, got, sentinel)
	}
}

func TestSimulatorPrices(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()

	price, err := sim.Price(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, int64(312_550_000_000), price)

	sim.SetPrice("ETH", 300_000_000_000)
	price, err = sim.Price(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, int64(300_000_000_000), price)

	_, err = sim.Price(ctx, "DOGE")
	assert.ErrorIs(t, err, ErrNoPriceFeed)

	_, err = sim.Submit(ctx, Envelope{IntentID: "o1", Kind: domain.KindAddOracle, Payload: domain.Payload{Symbol: "DOGE", Oracle: "0x0000000000000000000000000000000000000a06"}})
	require.NoError(t, err)
	sim.Mine()
	_, err = sim.Price(ctx, "DOGE")
	assert.ErrorIs(t, err, ErrUnavailable, "feed exists but has not reported")
}
