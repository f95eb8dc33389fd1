package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/settlement/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned when a compare-and-swap lost against a concurrent writer.
	ErrStaleState = errors.New("stale intent state")
	// ErrInFlight is returned with the existing intent when its natural key is already held.
	ErrInFlight = errors.New("natural key already in flight")
	// ErrDuplicateID is returned with the stored intent when the id is already taken.
	ErrDuplicateID = errors.New("intent id already exists")
	// ErrInvoiceNotPayable is returned when a pay_invoice intent targets an invoice that is not pending.
	ErrInvoiceNotPayable = errors.New("invoice is not pending")
	// ErrSettlementInFlight is returned when rejecting an invoice whose settlement already left created.
	ErrSettlementInFlight = errors.New("invoice settlement already submitted")
)

// Store is the durable local persistence for intents, invoices, cached records,
// the ledger event cursor and divergence alerts.
type Store interface {
	// CreateIntent inserts in. When the id or the natural key is already taken it returns
	// the stored intent together with ErrDuplicateID or ErrInFlight.
	CreateIntent(ctx context.Context, in *domain.Intent) (*domain.Intent, error)
	GetIntent(ctx context.Context, id string) (*domain.Intent, error)
	ListIntents(ctx context.Context, f domain.IntentFilter) ([]*domain.Intent, error)
	// UpdateIntent persists in if the stored row is still at state from and in.Version.
	// On success in.Version is incremented. in.UpdatedAt is stored as given, or stamped when zero.
	UpdateIntent(ctx context.Context, in *domain.Intent, from domain.IntentState) error
	CountIntents(ctx context.Context) (map[domain.IntentState]int, error)

	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, f domain.InvoiceFilter) ([]*domain.Invoice, error)
	// RejectInvoice marks a pending invoice rejected. A linked settlement intent still in created
	// is abandoned with reason in the same transaction and returned; one already submitting,
	// pending or ambiguous yields ErrSettlementInFlight and nothing changes.
	RejectInvoice(ctx context.Context, id, reason string, at time.Time) (*domain.Invoice, *domain.Intent, error)

	GetRecord(ctx context.Context, kind domain.RecordKind, key string) (*domain.Record, error)
	ListRecords(ctx context.Context, f domain.RecordFilter) ([]*domain.Record, error)
	// ApplyEvent marks ev processed and merges changes into the records it touches, atomically.
	// It returns false when ev was already applied.
	ApplyEvent(ctx context.Context, ev domain.LedgerEvent, changes []domain.RecordChange) (bool, error)

	LoadCursor(ctx context.Context) (domain.Cursor, error)
	SaveCursor(ctx context.Context, c domain.Cursor) error

	CreateDivergence(ctx context.Context, d *domain.Divergence) error
	ListDivergences(ctx context.Context, limit int) ([]*domain.Divergence, error)

	Close()
}

const cursorName = "ledger"

func encodePayload(p domain.Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func decodePayload(b []byte) (domain.Payload, error) {
	var p domain.Payload
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func inFlightList() string {
	quoted := make([]string, len(domain.InFlightStates))
	for i, s := range domain.InFlightStates {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

// where accumulates SQL predicates with dialect-specific placeholders.
func intentOrder(f domain.IntentFilter) string {
	if !f.DueBefore.IsZero() {
		return " ORDER BY next_attempt_at ASC, id ASC"
	}
	return " ORDER BY created_at DESC, id DESC"
}

type where struct {
	clauses     []string
	args        []interface{}
	placeholder func(n int) string
}

func (w *where) add(clause string, args ...interface{}) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", w.placeholder(len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = v
	}
	w.add(column+" IN ("+strings.Join(marks, ", ")+")", args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func kindStrings(kinds []domain.IntentKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func stateStrings(states []domain.IntentState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
