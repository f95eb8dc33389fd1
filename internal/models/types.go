package models

import (
	"fmt"
	"time"

	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/ledger"
	"github.com/punchamoorthee/settlement/internal/query"
	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string into integer minor units with the given precision.
// An empty string is zero.
func ParseAmount(s string, decimals int32) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q must not be negative", s)
	}
	minor := d.Shift(decimals)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	if minor.GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("amount %q is too large", s)
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as a fixed-point decimal string.
func FormatAmount(v int64, decimals int32) string {
	return decimal.New(v, -decimals).StringFixed(decimals)
}

// IntentRequest is the body of POST /intents. Amounts are decimal strings.
type IntentRequest struct {
	Kind      string   `json:"kind"`
	Employee  string   `json:"employee,omitempty"`
	Employees []string `json:"employees,omitempty"`
	Token     string   `json:"token,omitempty"`
	Symbol    string   `json:"symbol,omitempty"`
	Salary    string   `json:"salary,omitempty"`
	Amount    string   `json:"amount,omitempty"`
	Oracle    string   `json:"oracle,omitempty"`
	InvoiceID string   `json:"invoice_id,omitempty"`
}

// Payload converts the request into a domain payload.
func (r IntentRequest) Payload(decimals int32) (domain.Payload, error) {
	salary, err := ParseAmount(r.Salary, decimals)
	if err != nil {
		return domain.Payload{}, &domain.ValidationError{Field: "salary", Reason: err.Error()}
	}
	amount, err := ParseAmount(r.Amount, decimals)
	if err != nil {
		return domain.Payload{}, &domain.ValidationError{Field: "amount", Reason: err.Error()}
	}
	return domain.Payload{
		Employee:  r.Employee,
		Employees: r.Employees,
		Token:     r.Token,
		Symbol:    r.Symbol,
		Salary:    salary,
		Amount:    amount,
		Oracle:    r.Oracle,
		InvoiceID: r.InvoiceID,
	}, nil
}

// CancelRequest is the optional body of POST /intents/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Payload is the wire form of domain.Payload.
type Payload struct {
	Employee  string   `json:"employee,omitempty"`
	Employees []string `json:"employees,omitempty"`
	Token     string   `json:"token,omitempty"`
	Symbol    string   `json:"symbol,omitempty"`
	Salary    string   `json:"salary,omitempty"`
	Amount    string   `json:"amount,omitempty"`
	Oracle    string   `json:"oracle,omitempty"`
	InvoiceID string   `json:"invoice_id,omitempty"`
}

// Intent is the canonical intent response.
type Intent struct {
	ID            string             `json:"id"`
	Kind          domain.IntentKind  `json:"kind"`
	NaturalKey    string             `json:"natural_key"`
	State         domain.IntentState `json:"state"`
	Payload       Payload            `json:"payload"`
	TxHash        string             `json:"tx_hash,omitempty"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error,omitempty"`
	NextAttemptAt *time.Time         `json:"next_attempt_at,omitempty"`
	SubmittedAt   *time.Time         `json:"submitted_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func NewIntent(in *domain.Intent, decimals int32) Intent {
	out := Intent{
		ID:         in.ID,
		Kind:       in.Kind,
		NaturalKey: in.NaturalKey,
		State:      in.State,
		Payload: Payload{
			Employee:  in.Payload.Employee,
			Employees: in.Payload.Employees,
			Token:     in.Payload.Token,
			Symbol:    in.Payload.Symbol,
			Oracle:    in.Payload.Oracle,
			InvoiceID: in.Payload.InvoiceID,
		},
		Attempts:    in.Attempts,
		LastError:   in.LastError,
		SubmittedAt: in.SubmittedAt,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.UpdatedAt,
	}
	if in.Payload.Salary != 0 {
		out.Payload.Salary = FormatAmount(in.Payload.Salary, decimals)
	}
	if in.Payload.Amount != 0 {
		out.Payload.Amount = FormatAmount(in.Payload.Amount, decimals)
	}
	if in.LedgerRef != nil {
		out.TxHash = in.LedgerRef.TxHash
	}
	if in.State == domain.StateCreated {
		next := in.NextAttemptAt
		out.NextAttemptAt = &next
	}
	return out
}

func NewIntents(list []*domain.Intent, decimals int32) []Intent {
	out := make([]Intent, len(list))
	for i, in := range list {
		out[i] = NewIntent(in, decimals)
	}
	return out
}

// IntentResult wraps the response of POST /intents.
type IntentResult struct {
	Intent  Intent `json:"intent"`
	Created bool   `json:"created"`
}

// InvoiceRequest is the body of POST /invoices.
type InvoiceRequest struct {
	Payee       string `json:"payee"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

type Invoice struct {
	ID                 string               `json:"id"`
	Payee              string               `json:"payee"`
	Amount             string               `json:"amount"`
	Description        string               `json:"description"`
	Status             domain.InvoiceStatus `json:"status"`
	DisplayStatus      string               `json:"display_status"`
	SettlementIntentID string               `json:"settlement_intent_id,omitempty"`
	SettlementState    domain.IntentState   `json:"settlement_state,omitempty"`
	TxHash             string               `json:"tx_hash,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	PaidAt             *time.Time           `json:"paid_at,omitempty"`
}

func NewInvoice(v *query.InvoiceView, decimals int32) Invoice {
	return Invoice{
		ID:                 v.ID,
		Payee:              v.Payee,
		Amount:             FormatAmount(v.Amount, decimals),
		Description:        v.Description,
		Status:             v.Status,
		DisplayStatus:      v.DisplayStatus,
		SettlementIntentID: v.SettlementIntentID,
		SettlementState:    v.SettlementState,
		TxHash:             v.TxHash,
		CreatedAt:          v.CreatedAt,
		PaidAt:             v.PaidAt,
	}
}

// Price is an oracle answer in USD. Price is empty and Error set when the feed could not be read.
type Price struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price,omitempty"`
	Unit   string `json:"unit"`
	Error  string `json:"error,omitempty"`
}

func NewPrice(v *query.PriceView) Price {
	p := Price{Symbol: v.Symbol, Unit: "USD", Error: v.Error}
	if v.Error == "" {
		p.Price = FormatAmount(v.Price, ledger.PriceDecimals)
	}
	return p
}

// Record is one cached ledger record merged with in-flight work.
type Record struct {
	Kind        domain.RecordKind `json:"kind"`
	Key         string            `json:"key"`
	Known       bool              `json:"known"`
	Token       string            `json:"token,omitempty"`
	Symbol      string            `json:"symbol,omitempty"`
	Salary      string            `json:"salary,omitempty"`
	Oracle      string            `json:"oracle,omitempty"`
	Active      bool              `json:"active"`
	Balance     string            `json:"balance,omitempty"`
	PaidTotal   string            `json:"paid_total,omitempty"`
	Processing  string            `json:"processing"`
	Available   string            `json:"available,omitempty"`
	LastPaidAt  *time.Time        `json:"last_paid_at,omitempty"`
	LastEventID string            `json:"last_event_id,omitempty"`
	InFlight    []InFlightIntent  `json:"in_flight,omitempty"`
}

type InFlightIntent struct {
	ID     string             `json:"id"`
	Kind   domain.IntentKind  `json:"kind"`
	State  domain.IntentState `json:"state"`
	Amount string             `json:"amount,omitempty"`
}

func NewRecord(v *query.RecordView, decimals int32) Record {
	out := Record{
		Kind:        v.Kind,
		Key:         v.Key,
		Known:       v.Known,
		Token:       v.Token,
		Symbol:      v.Symbol,
		Oracle:      v.Oracle,
		Active:      v.Active,
		Processing:  FormatAmount(v.Processing, decimals),
		LastPaidAt:  v.LastPaidAt,
		LastEventID: v.LastEventID,
	}
	switch v.Kind {
	case domain.RecordEmployee:
		out.Salary = FormatAmount(v.Salary, decimals)
		out.PaidTotal = FormatAmount(v.PaidTotal, decimals)
	case domain.RecordBalance:
		out.Balance = FormatAmount(v.Balance, decimals)
	}
	if v.Available != nil {
		out.Available = FormatAmount(*v.Available, decimals)
	}
	for _, in := range v.InFlight {
		f := InFlightIntent{ID: in.ID, Kind: in.Kind, State: in.State}
		if in.Amount != 0 {
			f.Amount = FormatAmount(in.Amount, decimals)
		}
		out.InFlight = append(out.InFlight, f)
	}
	return out
}

// Stats is the dashboard summary.
type Stats struct {
	Intents         map[domain.IntentState]int   `json:"intents"`
	Invoices        map[domain.InvoiceStatus]int `json:"invoices"`
	TreasuryBalance string                       `json:"treasury_balance"`
	Processing      string                       `json:"processing"`
	Available       string                       `json:"available"`
	ActiveEmployees int                          `json:"active_employees"`
	Divergences     int                          `json:"divergences"`
}

func NewStats(s *query.Stats, decimals int32) Stats {
	return Stats{
		Intents:         s.Intents,
		Invoices:        s.Invoices,
		TreasuryBalance: FormatAmount(s.TreasuryBalance, decimals),
		Processing:      FormatAmount(s.Processing, decimals),
		Available:       FormatAmount(s.Available, decimals),
		ActiveEmployees: s.ActiveEmployees,
		Divergences:     s.Divergences,
	}
}

// Divergence is an operator alert with amounts rendered as decimals.
type Divergence struct {
	ID        string                `json:"id"`
	Kind      domain.DivergenceKind `json:"kind"`
	Subject   string                `json:"subject"`
	Detail    string                `json:"detail"`
	Local     string                `json:"local"`
	Ledger    string                `json:"ledger"`
	CreatedAt time.Time             `json:"created_at"`
}

func NewDivergences(list []*domain.Divergence, decimals int32) []Divergence {
	out := make([]Divergence, len(list))
	for i, d := range list {
		out[i] = Divergence{
			ID:        d.ID,
			Kind:      d.Kind,
			Subject:   d.Subject,
			Detail:    d.Detail,
			Local:     FormatAmount(d.Local, decimals),
			Ledger:    FormatAmount(d.Ledger, decimals),
			CreatedAt: d.CreatedAt,
		}
	}
	return out
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
