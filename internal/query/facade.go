// Package query serves read views that merge cached ledger records with submitted intents.
// Nothing here writes.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/store"
)

// DisplayProcessing marks a pending invoice whose settlement has been submitted to the ledger.
const DisplayProcessing = "processing"

// IntentSummary is the slice of a submitted intent shown next to a record.
type IntentSummary struct {
	ID     string             `json:"id"`
	Kind   domain.IntentKind  `json:"kind"`
	State  domain.IntentState `json:"state"`
	Amount int64              `json:"amount"`
}

// RecordView is a cached record plus the submitted intents that will change it.
type RecordView struct {
	domain.Record
	// Known reports whether the ledger has confirmed the record at all.
	Known bool `json:"known"`
	// Processing sums payouts submitted to the ledger but not yet confirmed. Intents still in
	// created have not left this service and are not counted.
	Processing int64           `json:"processing"`
	Available  *int64          `json:"available,omitempty"`
	InFlight   []IntentSummary `json:"in_flight,omitempty"`
}

// InvoiceView is an invoice with the state of its settlement.
type InvoiceView struct {
	domain.Invoice
	DisplayStatus   string             `json:"display_status"`
	SettlementState domain.IntentState `json:"settlement_state,omitempty"`
}

// Stats is the dashboard summary.
type Stats struct {
	Intents         map[domain.IntentState]int   `json:"intents"`
	Invoices        map[domain.InvoiceStatus]int `json:"invoices"`
	TreasuryBalance int64                        `json:"treasury_balance"`
	Processing      int64                        `json:"processing"`
	Available       int64                        `json:"available"`
	ActiveEmployees int                          `json:"active_employees"`
	Divergences     int                          `json:"divergences"`
}

type Facade struct {
	store store.Store
	feed  PriceFeed
}

func NewFacade(s store.Store, feed PriceFeed) *Facade {
	return &Facade{store: s, feed: feed}
}

type snapshot struct {
	open     []*domain.Intent
	salaries map[string]int64
}

func (f *Facade) snapshot(ctx context.Context) (*snapshot, error) {
	open, err := f.store.ListIntents(ctx, domain.IntentFilter{States: domain.OpenStates})
	if err != nil {
		return nil, fmt.Errorf("list submitted intents: %w", err)
	}
	employees, err := f.store.ListRecords(ctx, domain.RecordFilter{Kind: domain.RecordEmployee})
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	s := &snapshot{open: open, salaries: make(map[string]int64, len(employees))}
	for _, e := range employees {
		s.salaries[e.Key] = e.Salary
	}
	return s, nil
}

// payout is what in will pay employee once confirmed. Zero amounts default to the salary.
func (s *snapshot) payout(in *domain.Intent, employee string) int64 {
	if amount := in.PaysTo(employee); amount > 0 {
		return amount
	}
	if !in.Kind.Pays() || !in.Touches(employee) {
		return 0
	}
	return s.salaries[employee]
}

func (s *snapshot) total(in *domain.Intent) int64 {
	switch in.Kind {
	case domain.KindPayEmployee, domain.KindPayInvoice:
		return s.payout(in, in.Payload.Employee)
	case domain.KindPayAllEmployees:
		var sum int64
		for _, e := range in.Payload.Employees {
			sum += s.salaries[e]
		}
		return sum
	}
	return 0
}

func summarize(in *domain.Intent, amount int64) IntentSummary {
	return IntentSummary{ID: in.ID, Kind: in.Kind, State: in.State, Amount: amount}
}

// ListRecords returns cached records with their processing amounts. Employees with a submitted
// add_employee intent appear before the ledger confirms them, with Known false.
func (f *Facade) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]*RecordView, error) {
	records, err := f.store.ListRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	snap, err := f.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]*RecordView, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		views = append(views, snap.view(r, true))
		seen[string(r.Kind)+"/"+r.Key] = true
	}

	if filter.Kind == "" || filter.Kind == domain.RecordEmployee {
		for _, in := range snap.open {
			if in.Kind != domain.KindAddEmployee {
				continue
			}
			key := in.Payload.Employee
			if seen[string(domain.RecordEmployee)+"/"+key] || (filter.Key != "" && filter.Key != key) {
				continue
			}
			seen[string(domain.RecordEmployee)+"/"+key] = true
			views = append(views, snap.view(&domain.Record{
				Kind:   domain.RecordEmployee,
				Key:    key,
				Token:  in.Payload.Token,
				Symbol: in.Payload.Symbol,
				Salary: in.Payload.Salary,
			}, false))
		}
	}

	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Kind != views[j].Kind {
			return views[i].Kind < views[j].Kind
		}
		return views[i].Key < views[j].Key
	})
	return views, nil
}

func (s *snapshot) view(r *domain.Record, known bool) *RecordView {
	v := &RecordView{Record: *r, Known: known}
	switch r.Kind {
	case domain.RecordEmployee:
		for _, in := range s.open {
			if !in.Touches(r.Key) {
				continue
			}
			amount := s.payout(in, r.Key)
			v.Processing += amount
			v.InFlight = append(v.InFlight, summarize(in, amount))
		}
	case domain.RecordOracle:
		for _, in := range s.open {
			if in.Kind == domain.KindAddOracle && in.NaturalKey == r.Key {
				v.InFlight = append(v.InFlight, summarize(in, 0))
			}
		}
	case domain.RecordBalance:
		for _, in := range s.open {
			switch {
			case in.Kind.Pays():
				amount := s.total(in)
				v.Processing += amount
				v.InFlight = append(v.InFlight, summarize(in, amount))
			case in.Kind == domain.KindFundPayroll:
				v.InFlight = append(v.InFlight, summarize(in, in.Payload.Amount))
			}
		}
		available := r.Balance - v.Processing
		v.Available = &available
	}
	return v
}

// ListInvoices returns invoices newest first, showing pending ones with a submitted settlement
// as processing.
func (f *Facade) ListInvoices(ctx context.Context, filter domain.InvoiceFilter) ([]*InvoiceView, error) {
	filter.Payee = domain.NormalizeAddress(filter.Payee)
	invoices, err := f.store.ListInvoices(ctx, filter)
	if err != nil {
		return nil, err
	}

	views := make([]*InvoiceView, 0, len(invoices))
	for _, inv := range invoices {
		v, err := f.invoiceView(ctx, inv)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// Invoice returns one invoice view.
func (f *Facade) Invoice(ctx context.Context, id string) (*InvoiceView, error) {
	inv, err := f.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.invoiceView(ctx, inv)
}

func (f *Facade) invoiceView(ctx context.Context, inv *domain.Invoice) (*InvoiceView, error) {
	v := &InvoiceView{Invoice: *inv, DisplayStatus: string(inv.Status)}
	if inv.SettlementIntentID == "" {
		return v, nil
	}
	in, err := f.store.GetIntent(ctx, inv.SettlementIntentID)
	if errors.Is(err, store.ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settlement of invoice %s: %w", inv.ID, err)
	}
	v.SettlementState = in.State
	if inv.Status == domain.InvoicePending && in.State.Open() {
		v.DisplayStatus = DisplayProcessing
	}
	return v, nil
}

// IntentStatus returns the current snapshot of one intent.
func (f *Facade) IntentStatus(ctx context.Context, id string) (*domain.Intent, error) {
	return f.store.GetIntent(ctx, id)
}

// History lists intents by creation time, newest first.
func (f *Facade) History(ctx context.Context, filter domain.IntentFilter) ([]*domain.Intent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return f.store.ListIntents(ctx, filter)
}

// Divergences lists the most recent divergence alerts.
func (f *Facade) Divergences(ctx context.Context, limit int) ([]*domain.Divergence, error) {
	return f.store.ListDivergences(ctx, limit)
}

func (f *Facade) Stats(ctx context.Context) (*Stats, error) {
	counts, err := f.store.CountIntents(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Intents: counts, Invoices: make(map[domain.InvoiceStatus]int)}

	invoices, err := f.store.ListInvoices(ctx, domain.InvoiceFilter{})
	if err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		st.Invoices[inv.Status]++
	}

	treasury, err := f.store.GetRecord(ctx, domain.RecordBalance, domain.TreasuryKey)
	switch {
	case err == nil:
		st.TreasuryBalance = treasury.Balance
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	snap, err := f.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, in := range snap.open {
		if in.Kind.Pays() {
			st.Processing += snap.total(in)
		}
	}
	st.Available = st.TreasuryBalance - st.Processing

	employees, err := f.store.ListRecords(ctx, domain.RecordFilter{Kind: domain.RecordEmployee})
	if err != nil {
		return nil, err
	}
	for _, e := range employees {
		if e.Active {
			st.ActiveEmployees++
		}
	}

	divs, err := f.store.ListDivergences(ctx, 0)
	if err != nil {
		return nil, err
	}
	st.Divergences = len(divs)
	return st, nil
}
