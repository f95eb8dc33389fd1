package domain

import (
	"time"
)

// IntentKind names the ledger operation an Intent performs.
type IntentKind string

const (
	KindAddEmployee     IntentKind = "add_employee"
	KindRemoveEmployee  IntentKind = "remove_employee"
	KindFundPayroll     IntentKind = "fund_payroll"
	KindPayEmployee     IntentKind = "pay_employee"
	KindPayAllEmployees IntentKind = "pay_all_employees"
	KindAddOracle       IntentKind = "add_oracle"
	KindPayInvoice      IntentKind = "pay_invoice"
)

// Kinds lists every supported intent kind.
var Kinds = []IntentKind{
	KindAddEmployee,
	KindRemoveEmployee,
	KindFundPayroll,
	KindPayEmployee,
	KindPayAllEmployees,
	KindAddOracle,
	KindPayInvoice,
}

// Valid reports whether k is a known kind.
func (k IntentKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Pays reports whether the kind moves funds out of the payroll treasury.
func (k IntentKind) Pays() bool {
	return k == KindPayEmployee || k == KindPayAllEmployees || k == KindPayInvoice
}

// Payload carries the kind-specific parameters of an Intent.
// Amounts are integer minor units.
type Payload struct {
	Employee  string   `json:"employee,omitempty"`
	Employees []string `json:"employees,omitempty"`
	Token     string   `json:"token,omitempty"`
	Symbol    string   `json:"symbol,omitempty"`
	Salary    int64    `json:"salary,omitempty"`
	Amount    int64    `json:"amount,omitempty"`
	Oracle    string   `json:"oracle,omitempty"`
	InvoiceID string   `json:"invoice_id,omitempty"`
}

// LedgerRef identifies a submitted ledger transaction.
type LedgerRef struct {
	TxHash string `json:"tx_hash"`
	Nonce  uint64 `json:"nonce"`
}

// Intent is a tracked request to change ledger state exactly once.
// LedgerRef is non-nil iff the intent reached the ledger (pending, confirmed, failed after submit).
type Intent struct {
	ID            string      `json:"id"`
	Kind          IntentKind  `json:"kind"`
	NaturalKey    string      `json:"natural_key"`
	Payload       Payload     `json:"payload"`
	State         IntentState `json:"state"`
	LedgerRef     *LedgerRef  `json:"ledger_ref,omitempty"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	SubmittedAt   *time.Time  `json:"submitted_at,omitempty"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// InFlight reports whether the intent currently holds its natural key.
func (i *Intent) InFlight() bool {
	return i.State.InFlight()
}

// Touches reports whether the intent affects the given employee address.
func (i *Intent) Touches(employee string) bool {
	employee = NormalizeAddress(employee)
	if NormalizeAddress(i.Payload.Employee) == employee {
		return true
	}
	for _, e := range i.Payload.Employees {
		if NormalizeAddress(e) == employee {
			return true
		}
	}
	return false
}

// PaysTo returns the amount the intent pays the given employee, if known.
func (i *Intent) PaysTo(employee string) int64 {
	if !i.Kind.Pays() || !i.Touches(employee) {
		return 0
	}
	return i.Payload.Amount
}

// IntentFilter selects intents for range queries. Results are ordered by CreatedAt descending,
// except that a DueBefore filter orders by NextAttemptAt ascending so the longest waiting come first.
type IntentFilter struct {
	Kinds      []IntentKind
	States     []IntentState
	NaturalKey string
	TxHash     string
	Since      time.Time
	Until      time.Time
	DueBefore  time.Time
	Limit      int
}
