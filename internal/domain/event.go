package domain

import (
	"fmt"
	"time"
)

// EventName is the name of a payroll contract event.
type EventName string

const (
	EventEmployeeAdded   EventName = "EmployeeAdded"
	EventEmployeeRemoved EventName = "EmployeeRemoved"
	EventEmployeePaid    EventName = "EmployeePaid"
	EventPayrollFunded   EventName = "PayrollFunded"
	EventOracleUpdated   EventName = "OracleUpdated"
)

// Cursor is a position in the ledger event log. (Block, TxIndex, LogIndex) is a total order.
type Cursor struct {
	Block    uint64 `json:"block"`
	TxIndex  uint   `json:"tx_index"`
	LogIndex uint   `json:"log_index"`
}

// Less reports whether c sorts before o.
func (c Cursor) Less(o Cursor) bool {
	if c.Block != o.Block {
		return c.Block < o.Block
	}
	if c.TxIndex != o.TxIndex {
		return c.TxIndex < o.TxIndex
	}
	return c.LogIndex < o.LogIndex
}

// IsZero reports whether c is the start of the log.
func (c Cursor) IsZero() bool {
	return c == Cursor{}
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d:%d", c.Block, c.TxIndex, c.LogIndex)
}

// LedgerEvent is one log entry emitted by a confirmed ledger transaction.
type LedgerEvent struct {
	ID        string    `json:"id"`
	Cursor    Cursor    `json:"cursor"`
	TxHash    string    `json:"tx_hash"`
	Name      EventName `json:"name"`
	Employee  string    `json:"employee,omitempty"`
	Token     string    `json:"token,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Salary    int64     `json:"salary,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Oracle    string    `json:"oracle,omitempty"`
	IntentID  string    `json:"intent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventID derives the stable identifier of the event at c.
func EventID(c Cursor) string {
	return c.String()
}

// Matches reports whether ev corroborates intent. Events carrying an intent id or a tx hash
// match exactly; otherwise the event must fit the intent's natural key and fall inside window
// around the submission time.
func Matches(in *Intent, ev LedgerEvent, window time.Duration) bool {
	if ev.IntentID != "" {
		return ev.IntentID == in.ID
	}
	if in.LedgerRef != nil {
		return in.LedgerRef.TxHash != "" && in.LedgerRef.TxHash == ev.TxHash
	}
	if !fitsKey(in, ev) {
		return false
	}

	ref := in.UpdatedAt
	if in.SubmittedAt != nil {
		ref = *in.SubmittedAt
	}
	if ev.Timestamp.Before(ref.Add(-window)) || ev.Timestamp.After(ref.Add(window)) {
		return false
	}
	return true
}

func fitsKey(in *Intent, ev LedgerEvent) bool {
	employee := NormalizeAddress(ev.Employee)
	switch in.Kind {
	case KindAddEmployee:
		return ev.Name == EventEmployeeAdded && employee == in.NaturalKey
	case KindRemoveEmployee:
		return ev.Name == EventEmployeeRemoved && employee == in.NaturalKey
	case KindPayEmployee:
		return ev.Name == EventEmployeePaid && employee == in.NaturalKey &&
			(in.Payload.Amount == 0 || in.Payload.Amount == ev.Amount)
	case KindPayAllEmployees:
		return ev.Name == EventEmployeePaid && in.Touches(employee)
	case KindFundPayroll:
		return ev.Name == EventPayrollFunded && ev.Amount == in.Payload.Amount
	case KindAddOracle:
		return ev.Name == EventOracleUpdated && ev.Symbol == in.NaturalKey
	case KindPayInvoice:
		return ev.Name == EventEmployeePaid && employee == in.Payload.Employee && ev.Amount == in.Payload.Amount
	}
	return false
}

// Project derives the record changes an event implies.
func Project(ev LedgerEvent) []RecordChange {
	employee := NormalizeAddress(ev.Employee)
	switch ev.Name {
	case EventEmployeeAdded:
		active := true
		token := NormalizeAddress(ev.Token)
		symbol := ev.Symbol
		salary := ev.Salary
		return []RecordChange{{
			Kind: RecordEmployee, Key: employee,
			SetToken: &token, SetSymbol: &symbol, SetSalary: &salary, SetActive: &active,
		}}
	case EventEmployeeRemoved:
		active := false
		return []RecordChange{{Kind: RecordEmployee, Key: employee, SetActive: &active}}
	case EventEmployeePaid:
		at := ev.Timestamp
		return []RecordChange{
			{Kind: RecordEmployee, Key: employee, PaidDelta: ev.Amount, PaidAt: &at},
			{Kind: RecordBalance, Key: TreasuryKey, BalanceDelta: -ev.Amount},
		}
	case EventPayrollFunded:
		return []RecordChange{{Kind: RecordBalance, Key: TreasuryKey, BalanceDelta: ev.Amount}}
	case EventOracleUpdated:
		oracle := NormalizeAddress(ev.Oracle)
		symbol := ev.Symbol
		return []RecordChange{{Kind: RecordOracle, Key: ev.Symbol, SetOracle: &oracle, SetSymbol: &symbol}}
	}
	return nil
}
