package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "0x00000000000000000000000000000000000000AA"
	addrB = "0x00000000000000000000000000000000000000bb"
	token = "0x0000000000000000000000000000000000000003"
)

func TestNormalizeNaturalKeys(t *testing.T) {
	tests := []struct {
		name    string
		kind    IntentKind
		payload Payload
		key     string
	}{
		{"pay employee lower-cases address", KindPayEmployee, Payload{Employee: addrA, Amount: 100}, "0x00000000000000000000000000000000000000aa"},
		{"pay all uses singleton key", KindPayAllEmployees, Payload{Employees: []string{addrA, addrB}}, AllEmployeesKey},
		{"fund uses treasury key", KindFundPayroll, Payload{Amount: 5}, TreasuryKey},
		{"oracle upper-cases symbol", KindAddOracle, Payload{Symbol: "doge", Oracle: "0x0000000000000000000000000000000000000010"}, "DOGE"},
		{"invoice keyed by id", KindPayInvoice, Payload{InvoiceID: " inv1 "}, "inv1"},
		{"add employee", KindAddEmployee, Payload{Employee: addrB, Token: token, Symbol: "btc", Salary: 5000}, "0x00000000000000000000000000000000000000bb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, key, err := Normalize(tt.kind, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		kind    IntentKind
		payload Payload
		field   string
	}{
		{"unknown kind", IntentKind("mint"), Payload{}, "kind"},
		{"short address", KindPayEmployee, Payload{Employee: "0xAAA"}, "employee"},
		{"negative amount", KindPayEmployee, Payload{Employee: addrA, Amount: -1}, "amount"},
		{"empty batch", KindPayAllEmployees, Payload{}, "employees"},
		{"duplicate batch entry", KindPayAllEmployees, Payload{Employees: []string{addrA, "0x00000000000000000000000000000000000000aa"}}, "employees"},
		{"zero funding", KindFundPayroll, Payload{}, "amount"},
		{"zero oracle", KindAddOracle, Payload{Symbol: "DOGE", Oracle: "0x0000000000000000000000000000000000000000"}, "oracle"},
		{"missing salary", KindAddEmployee, Payload{Employee: addrA, Token: token, Symbol: "BTC"}, "salary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Normalize(tt.kind, tt.payload)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateCreated.CanTransition(StateSubmitting))
	assert.True(t, StateSubmitting.CanTransition(StateAmbiguous))
	assert.True(t, StateAmbiguous.CanTransition(StatePending))
	assert.True(t, StatePending.CanTransition(StateConfirmed))

	assert.False(t, StateSubmitting.CanTransition(StateConfirmed))
	assert.False(t, StateAmbiguous.CanTransition(StateCreated))
	for _, terminal := range []IntentState{StateConfirmed, StateFailed, StateAbandoned} {
		assert.True(t, terminal.Terminal())
		for _, next := range States {
			assert.False(t, terminal.CanTransition(next), "%s -> %s", terminal, next)
		}
	}
}

func TestCursorOrder(t *testing.T) {
	a := Cursor{Block: 5, TxIndex: 1, LogIndex: 9}
	b := Cursor{Block: 5, TxIndex: 2, LogIndex: 0}
	c := Cursor{Block: 6}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.False(t, a.Less(a))
	assert.Equal(t, "5:1:9", EventID(a))
}

func TestMatches(t *testing.T) {
	submitted := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := &Intent{
		ID:          "01INTENT",
		Kind:        KindPayEmployee,
		NaturalKey:  "0x00000000000000000000000000000000000000aa",
		Payload:     Payload{Employee: "0x00000000000000000000000000000000000000aa", Amount: 100},
		State:       StateAmbiguous,
		SubmittedAt: &submitted,
	}
	paid := LedgerEvent{Name: EventEmployeePaid, Employee: addrA, Amount: 100, Timestamp: submitted.Add(30 * time.Second)}

	assert.True(t, Matches(in, paid, time.Minute))

	late := paid
	late.Timestamp = submitted.Add(time.Hour)
	assert.False(t, Matches(in, late, time.Minute))

	other := paid
	other.Employee = addrB
	assert.False(t, Matches(in, other, time.Minute))

	tagged := paid
	tagged.IntentID = "01OTHER"
	assert.False(t, Matches(in, tagged, time.Minute), "intent id on the event is authoritative")

	in.LedgerRef = &LedgerRef{TxHash: "0xtx1"}
	byHash := LedgerEvent{Name: EventEmployeePaid, TxHash: "0xtx1"}
	assert.True(t, Matches(in, byHash, 0))
	byHash.TxHash = "0xtx2"
	assert.False(t, Matches(in, byHash, time.Hour))
}

func TestProjectEmployeePaid(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	changes := Project(LedgerEvent{Name: EventEmployeePaid, Employee: addrA, Amount: 100, Timestamp: at})
	require.Len(t, changes, 2)

	emp := changes[0].Apply(nil, "1:0:0", at)
	assert.Equal(t, int64(100), emp.PaidTotal)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", emp.Key)

	treasury := changes[1].Apply(&Record{Kind: RecordBalance, Key: TreasuryKey, Balance: 1000}, "1:0:0", at)
	assert.Equal(t, int64(900), treasury.Balance)
	assert.Equal(t, "1:0:0", treasury.LastEventID)
}

func TestInvoiceValidate(t *testing.T) {
	inv := &Invoice{Payee: addrA, Amount: 10, Description: "  march  "}
	require.NoError(t, inv.Validate())
	assert.Equal(t, "march", inv.Description)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", inv.Payee)

	bad := &Invoice{Payee: addrA, Amount: 0, Description: "x"}
	assert.Error(t, bad.Validate())
}
