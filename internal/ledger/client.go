// Package ledger abstracts the external payroll contract: submitting transactions, reading
// receipts and paging through the contract event log.
package ledger

import (
	"context"
	"errors"

	"github.com/punchamoorthee/settlement/internal/domain"
)

var (
	// ErrRejected means the ledger synchronously refused the submission. Not retried.
	ErrRejected = errors.New("ledger rejected submission")
	// ErrUnavailable means the submission certainly did not reach the ledger. Retried with backoff.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrAmbiguous means the submission may or may not have reached the ledger. Never blindly retried.
	ErrAmbiguous = errors.New("ledger submission outcome unknown")
	// ErrNoPriceFeed means no oracle is configured for the requested symbol.
	ErrNoPriceFeed = errors.New("no price feed for symbol")
)

// PriceDecimals is the fixed-point precision of oracle answers.
const PriceDecimals = 8

// Envelope is what gets signed and submitted for an intent. IntentID doubles as the
// idempotency key for ledgers that support one.
type Envelope struct {
	IntentID string            `json:"intent_id"`
	Kind     domain.IntentKind `json:"kind"`
	Payload  domain.Payload    `json:"payload"`
}

// ReceiptStatus is the ledger-side status of a submitted transaction.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
	ReceiptUnknown   ReceiptStatus = "unknown"
)

// Receipt describes a transaction outcome.
type Receipt struct {
	Status ReceiptStatus `json:"status"`
	Block  uint64        `json:"block,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Client is the ledger boundary. Every call may block on network I/O.
type Client interface {
	// Submit sends env to the ledger. Errors wrap ErrRejected, ErrUnavailable or ErrAmbiguous.
	Submit(ctx context.Context, env Envelope) (domain.LedgerRef, error)
	Status(ctx context.Context, ref domain.LedgerRef) (Receipt, error)
	// Events returns up to limit events strictly after the cursor, in log order.
	Events(ctx context.Context, after domain.Cursor, limit int) ([]domain.LedgerEvent, error)
	// Balance reads the treasury balance directly from the ledger.
	Balance(ctx context.Context) (int64, error)
	// Price reads the latest oracle answer for symbol, scaled by PriceDecimals.
	Price(ctx context.Context, symbol string) (int64, error)
}
