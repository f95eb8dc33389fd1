package domain

import "time"

// RecordKind is the type of a cached ledger projection.
type RecordKind string

const (
	RecordEmployee RecordKind = "employee"
	RecordOracle   RecordKind = "oracle"
	RecordBalance  RecordKind = "balance"
)

// Record is a locally cached projection of ledger state. The ledger stays authoritative.
type Record struct {
	Kind        RecordKind `json:"kind"`
	Key         string     `json:"key"`
	Token       string     `json:"token,omitempty"`
	Symbol      string     `json:"symbol,omitempty"`
	Salary      int64      `json:"salary,omitempty"`
	Oracle      string     `json:"oracle,omitempty"`
	Active      bool       `json:"active"`
	Balance     int64      `json:"balance"`
	PaidTotal   int64      `json:"paid_total"`
	LastPaidAt  *time.Time `json:"last_paid_at,omitempty"`
	LastEventID string     `json:"last_event_id,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RecordChange is a mutation derived from one ledger event.
// Set* fields overwrite, deltas accumulate.
type RecordChange struct {
	Kind         RecordKind
	Key          string
	SetToken     *string
	SetSymbol    *string
	SetSalary    *int64
	SetOracle    *string
	SetActive    *bool
	BalanceDelta int64
	PaidDelta    int64
	PaidAt       *time.Time
}

// Apply merges the change into r, creating it when nil.
func (c RecordChange) Apply(r *Record, eventID string, at time.Time) *Record {
	if r == nil {
		r = &Record{Kind: c.Kind, Key: c.Key}
	}
	if c.SetToken != nil {
		r.Token = *c.SetToken
	}
	if c.SetSymbol != nil {
		r.Symbol = *c.SetSymbol
	}
	if c.SetSalary != nil {
		r.Salary = *c.SetSalary
	}
	if c.SetOracle != nil {
		r.Oracle = *c.SetOracle
	}
	if c.SetActive != nil {
		r.Active = *c.SetActive
	}
	r.Balance += c.BalanceDelta
	r.PaidTotal += c.PaidDelta
	if c.PaidAt != nil {
		t := *c.PaidAt
		r.LastPaidAt = &t
	}
	r.LastEventID = eventID
	r.UpdatedAt = at
	return r
}

// RecordFilter selects records.
type RecordFilter struct {
	Kind RecordKind
	Key  string
}

// DivergenceKind classifies a disagreement between the local store and the ledger.
type DivergenceKind string

const (
	DivergenceBalance       DivergenceKind = "balance_mismatch"
	DivergenceLateExecution DivergenceKind = "late_execution"
	DivergenceUnknownTx     DivergenceKind = "unknown_transaction"
)

// Divergence is an operator-visible alert. It is never resolved automatically.
type Divergence struct {
	ID        string         `json:"id"`
	Kind      DivergenceKind `json:"kind"`
	Subject   string         `json:"subject"`
	Detail    string         `json:"detail"`
	Local     int64          `json:"local"`
	Ledger    int64          `json:"ledger"`
	CreatedAt time.Time      `json:"created_at"`
}
