package ledger

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "test.ledger"

// relayed starts an in-process NATS server with sim served behind a relayer.
func relayed(t *testing.T, sim *Simulator) (*NATSClient, *Relayer) {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	relayer, err := Serve(nc, testPrefix, sim)
	require.NoError(t, err)
	t.Cleanup(relayer.Close)
	return NewNATSClient(nc, testPrefix, 2*time.Second), relayer
}

func TestNATSRoundTrip(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	sim.EchoIntentIDs = true
	client, _ := relayed(t, sim)

	ref, err := client.Submit(ctx, addEmployee("i1", alice, 100))
	require.NoError(t, err)
	assert.NotEmpty(t, ref.TxHash)

	rcpt, err := client.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ReceiptPending, rcpt.Status)

	_, err = client.Submit(ctx, Envelope{IntentID: "i2", Kind: domain.KindFundPayroll, Payload: domain.Payload{Amount: 500}})
	require.NoError(t, err)
	require.Equal(t, 2, sim.Mine())

	rcpt, err = client.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ReceiptConfirmed, rcpt.Status)
	assert.Equal(t, uint64(1), rcpt.Block)

	rcpt, err = client.Status(ctx, domain.LedgerRef{TxHash: "0xunknown"})
	require.NoError(t, err)
	assert.Equal(t, ReceiptUnknown, rcpt.Status)

	evs, err := client.Events(ctx, domain.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventEmployeeAdded, evs[0].Name)
	assert.Equal(t, "i1", evs[0].IntentID)
	assert.Equal(t, ref.TxHash, evs[0].TxHash)
	assert.Equal(t, domain.EventPayrollFunded, evs[1].Name)

	after, err := client.Events(ctx, evs[0].Cursor, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, evs[1].ID, after[0].ID)

	bal, err := client.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	price, err := client.Price(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, int64(312_550_000_000), price)
	_, err = client.Price(ctx, "DOGE")
	assert.ErrorIs(t, err, ErrNoPriceFeed)
}

func TestNATSSubmitErrors(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	client, relayer := relayed(t, sim)

	_, err := client.Submit(ctx, Envelope{IntentID: "p1", Kind: domain.KindPayEmployee, Payload: domain.Payload{Employee: bob}})
	assert.ErrorIs(t, err, ErrRejected)

	sim.FailNext(ErrUnavailable)
	_, err = client.Submit(ctx, addEmployee("a1", alice, 100))
	assert.ErrorIs(t, err, ErrUnavailable)

	sim.AmbiguousNext(true)
	_, err = client.Submit(ctx, addEmployee("a2", alice, 100))
	assert.ErrorIs(t, err, ErrAmbiguous)

	relayer.Close()
	_, err = client.Submit(ctx, addEmployee("a3", bob, 100))
	assert.ErrorIs(t, err, ErrUnavailable, "no relayer subscribed means the request never left")
	_, err = client.Balance(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}
