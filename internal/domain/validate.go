package domain

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// TreasuryKey is the natural key and record key of the payroll treasury.
	TreasuryKey = "treasury"
	// AllEmployeesKey is the natural key of batch payroll execution.
	AllEmployeesKey = "all"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidationError rejects an intent before any ledger call. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NormalizeAddress lower-cases an address so natural keys compare equal regardless of checksum casing.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsAddress reports whether addr is a 20-byte hex address.
func IsAddress(addr string) bool {
	return addressPattern.MatchString(strings.TrimSpace(addr))
}

// Normalize validates the payload for kind and returns its canonical form and natural key.
func Normalize(kind IntentKind, p Payload) (Payload, string, error) {
	if !kind.Valid() {
		return p, "", invalid("kind", "unknown kind %q", kind)
	}

	switch kind {
	case KindAddEmployee:
		if err := requireAddress("employee", p.Employee); err != nil {
			return p, "", err
		}
		if err := requireAddress("token", p.Token); err != nil {
			return p, "", err
		}
		if strings.TrimSpace(p.Symbol) == "" {
			return p, "", invalid("symbol", "required")
		}
		if p.Salary <= 0 {
			return p, "", invalid("salary", "must be positive")
		}
		p.Employee = NormalizeAddress(p.Employee)
		p.Token = NormalizeAddress(p.Token)
		p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
		return p, p.Employee, nil

	case KindRemoveEmployee:
		if err := requireAddress("employee", p.Employee); err != nil {
			return p, "", err
		}
		p.Employee = NormalizeAddress(p.Employee)
		return p, p.Employee, nil

	case KindPayEmployee:
		if err := requireAddress("employee", p.Employee); err != nil {
			return p, "", err
		}
		if p.Amount < 0 {
			return p, "", invalid("amount", "must not be negative")
		}
		p.Employee = NormalizeAddress(p.Employee)
		return p, p.Employee, nil

	case KindPayAllEmployees:
		if len(p.Employees) == 0 {
			return p, "", invalid("employees", "at least one address required")
		}
		seen := make(map[string]bool, len(p.Employees))
		out := make([]string, 0, len(p.Employees))
		for _, e := range p.Employees {
			if err := requireAddress("employees", e); err != nil {
				return p, "", err
			}
			n := NormalizeAddress(e)
			if seen[n] {
				return p, "", invalid("employees", "duplicate address %s", n)
			}
			seen[n] = true
			out = append(out, n)
		}
		p.Employees = out
		return p, AllEmployeesKey, nil

	case KindFundPayroll:
		if p.Amount <= 0 {
			return p, "", invalid("amount", "must be positive")
		}
		return p, TreasuryKey, nil

	case KindAddOracle:
		if strings.TrimSpace(p.Symbol) == "" {
			return p, "", invalid("symbol", "required")
		}
		if err := requireAddress("oracle", p.Oracle); err != nil {
			return p, "", err
		}
		if strings.Trim(NormalizeAddress(p.Oracle)[2:], "0") == "" {
			return p, "", invalid("oracle", "zero address")
		}
		p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
		p.Oracle = NormalizeAddress(p.Oracle)
		return p, p.Symbol, nil

	case KindPayInvoice:
		if strings.TrimSpace(p.InvoiceID) == "" {
			return p, "", invalid("invoice_id", "required")
		}
		p.InvoiceID = strings.TrimSpace(p.InvoiceID)
		if p.Employee != "" {
			if err := requireAddress("employee", p.Employee); err != nil {
				return p, "", err
			}
			p.Employee = NormalizeAddress(p.Employee)
		}
		return p, p.InvoiceID, nil
	}

	return p, "", invalid("kind", "unsupported kind %q", kind)
}

func requireAddress(field, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return invalid(field, "required")
	}
	if !IsAddress(addr) {
		return invalid(field, "malformed address %q", addr)
	}
	return nil
}
