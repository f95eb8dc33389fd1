package domain

import (
	"strings"
	"time"
)

// InvoiceStatus is the off-chain status of an invoice.
type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "pending"
	InvoicePaid     InvoiceStatus = "paid"
	InvoiceRejected InvoiceStatus = "rejected"
)

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	return s == InvoicePending || s == InvoicePaid || s == InvoiceRejected
}

// Invoice is an off-chain payment request. It only reaches the ledger through a pay_invoice intent.
// Status paid implies SettlementIntentID references a confirmed intent.
type Invoice struct {
	ID                 string        `json:"id"`
	Payee              string        `json:"payee"`
	Amount             int64         `json:"amount"`
	Description        string        `json:"description"`
	Status             InvoiceStatus `json:"status"`
	SettlementIntentID string        `json:"settlement_intent_id,omitempty"`
	TxHash             string        `json:"tx_hash,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	PaidAt             *time.Time    `json:"paid_at,omitempty"`
}

// Validate checks and canonicalizes a new invoice.
func (inv *Invoice) Validate() error {
	if err := requireAddress("payee", inv.Payee); err != nil {
		return err
	}
	if inv.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	inv.Description = strings.TrimSpace(inv.Description)
	if inv.Description == "" {
		return invalid("description", "required")
	}
	inv.Payee = NormalizeAddress(inv.Payee)
	return nil
}

// InvoiceFilter selects invoices. Results are ordered newest first.
type InvoiceFilter struct {
	Payee  string
	Status InvoiceStatus
	Limit  int
}
