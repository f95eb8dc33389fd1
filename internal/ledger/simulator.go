package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/settlement/internal/domain"
)

// DefaultOracles are the price feeds the payroll contract is deployed with.
var DefaultOracles = map[string]string{
	"BTC":  "0x9e596d809a20a272c788726f592c0d1629755440",
	"ETH":  "0x694aa1769357215de4fac081bf1f309adc325306",
	"XRP":  "0x0000000000000000000000000000000000000a01",
	"SOL":  "0x0000000000000000000000000000000000000a02",
	"QIE":  "0x0000000000000000000000000000000000000a03",
	"XAUT": "0x0000000000000000000000000000000000000a04",
	"BNB":  "0x0000000000000000000000000000000000000a05",
}

// defaultPrices seeds the simulated oracle answers, in USD with PriceDecimals.
var defaultPrices = map[string]int64{
	"BTC":  6_512_345_000_000,
	"ETH":  312_550_000_000,
	"XRP":  52_000_000,
	"SOL":  14_210_000_000,
	"QIE":  8_500_000,
	"XAUT": 233_175_000_000,
	"BNB":  58_040_000_000,
}

type simEmployee struct {
	token  string
	symbol string
	salary int64
}

type simTx struct {
	ref    domain.LedgerRef
	env    Envelope
	status ReceiptStatus
	block  uint64
	reason string
}

type fault struct {
	err     error
	execute bool
}

// Simulator is an in-memory model of the payroll contract and its chain. Submitted
// transactions sit in a mempool until Mine includes them in a block.
type Simulator struct {
	// EchoIntentIDs makes emitted events carry the submitting intent id, as a
	// ledger with envelope idempotency keys would.
	EchoIntentIDs bool

	mu        sync.Mutex
	now       func() time.Time
	block     uint64
	nonce     uint64
	employees map[string]simEmployee
	oracles   map[string]string
	prices    map[string]int64
	treasury  int64
	mempool   []*simTx
	txs       map[string]*simTx
	byIntent  map[string]*simTx
	events    []domain.LedgerEvent
	faults    []fault
	submits   int
}

// NewSimulator returns a simulator with the default oracle feeds configured.
func NewSimulator() *Simulator {
	s := &Simulator{
		now:       time.Now,
		employees: make(map[string]simEmployee),
		oracles:   make(map[string]string),
		prices:    make(map[string]int64),
		txs:       make(map[string]*simTx),
		byIntent:  make(map[string]*simTx),
	}
	for sym, addr := range DefaultOracles {
		s.oracles[sym] = addr
	}
	for sym, price := range defaultPrices {
		s.prices[sym] = price
	}
	return s
}

// SetClock overrides the clock used for event timestamps.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext queues an error for the next Submit call. ErrUnavailable and ErrRejected drop the
// submission; ErrAmbiguous drops it too, use AmbiguousNext to model a submission that landed.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{err: err})
}

// AmbiguousNext makes the next Submit report ErrAmbiguous. When executed is true the
// transaction still reaches the mempool.
func (s *Simulator) AmbiguousNext(executed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{err: ErrAmbiguous, execute: executed})
}

// Submissions counts Submit calls, including failed ones.
func (s *Simulator) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *Simulator) Submit(ctx context.Context, env Envelope) (domain.LedgerRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerRef{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++

	var f *fault
	if len(s.faults) > 0 {
		f = &s.faults[0]
		s.faults = s.faults[1:]
	}
	if f != nil && !f.execute {
		return domain.LedgerRef{}, fmt.Errorf("%w: injected", f.err)
	}

	if env.IntentID != "" {
		if tx, ok := s.byIntent[env.IntentID]; ok {
			if f != nil {
				return domain.LedgerRef{}, fmt.Errorf("%w: injected", f.err)
			}
			return tx.ref, nil
		}
	}

	if err := s.precheck(env); err != nil {
		return domain.LedgerRef{}, err
	}

	s.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%s", env.IntentID, s.nonce, env.Kind)))
	tx := &simTx{
		ref:    domain.LedgerRef{TxHash: "0x" + hex.EncodeToString(sum[:]), Nonce: s.nonce},
		env:    env,
		status: ReceiptPending,
	}
	s.mempool = append(s.mempool, tx)
	s.txs[tx.ref.TxHash] = tx
	if env.IntentID != "" {
		s.byIntent[env.IntentID] = tx
	}

	if f != nil {
		return domain.LedgerRef{}, fmt.Errorf("%w: injected after broadcast", f.err)
	}
	return tx.ref, nil
}

// precheck mirrors the contract's require() guards that surface at gas estimation.
func (s *Simulator) precheck(env Envelope) error {
	p := env.Payload
	switch env.Kind {
	case domain.KindAddEmployee:
		if _, ok := s.employees[p.Employee]; ok {
			return fmt.Errorf("%w: Employee exists", ErrRejected)
		}
		if _, ok := s.oracles[p.Symbol]; !ok {
			return fmt.Errorf("%w: Oracle not configured", ErrRejected)
		}
	case domain.KindRemoveEmployee, domain.KindPayEmployee:
		if _, ok := s.employees[p.Employee]; !ok {
			return fmt.Errorf("%w: Employee not found", ErrRejected)
		}
	case domain.KindPayAllEmployees:
		for _, e := range p.Employees {
			if _, ok := s.employees[e]; !ok {
				return fmt.Errorf("%w: Employee not found: %s", ErrRejected, e)
			}
		}
	case domain.KindAddOracle:
		if p.Oracle == "" {
			return fmt.Errorf("%w: Invalid oracle", ErrRejected)
		}
	case domain.KindFundPayroll:
		if p.Amount <= 0 {
			return fmt.Errorf("%w: Invalid amount", ErrRejected)
		}
	case domain.KindPayInvoice:
		if p.Employee == "" || p.Amount <= 0 {
			return fmt.Errorf("%w: Invalid invoice payment", ErrRejected)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %s", ErrRejected, env.Kind)
	}
	return nil
}

// Mine includes every mempool transaction in a new block and returns how many were included.
func (s *Simulator) Mine() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.mempool) == 0 {
		return 0
	}
	s.block++
	ts := s.now().UTC()
	included := len(s.mempool)

	for txIndex, tx := range s.mempool {
		tx.block = s.block
		evs, err := s.execute(tx.env)
		if err != nil {
			tx.status = ReceiptFailed
			tx.reason = err.Error()
			continue
		}
		tx.status = ReceiptConfirmed
		for logIndex, ev := range evs {
			ev.Cursor = domain.Cursor{Block: s.block, TxIndex: uint(txIndex), LogIndex: uint(logIndex)}
			ev.ID = domain.EventID(ev.Cursor)
			ev.TxHash = tx.ref.TxHash
			ev.Timestamp = ts
			if s.EchoIntentIDs {
				ev.IntentID = tx.env.IntentID
			}
			s.events = append(s.events, ev)
		}
	}
	s.mempool = nil
	return included
}

// execute applies a transaction to contract state. An error reverts it.
func (s *Simulator) execute(env Envelope) ([]domain.LedgerEvent, error) {
	p := env.Payload
	switch env.Kind {
	case domain.KindAddEmployee:
		if _, ok := s.employees[p.Employee]; ok {
			return nil, fmt.Errorf("Employee exists")
		}
		s.employees[p.Employee] = simEmployee{token: p.Token, symbol: p.Symbol, salary: p.Salary}
		return []domain.LedgerEvent{{
			Name: domain.EventEmployeeAdded, Employee: p.Employee, Token: p.Token, Symbol: p.Symbol, Salary: p.Salary,
		}}, nil

	case domain.KindRemoveEmployee:
		if _, ok := s.employees[p.Employee]; !ok {
			return nil, fmt.Errorf("Employee not found")
		}
		delete(s.employees, p.Employee)
		return []domain.LedgerEvent{{Name: domain.EventEmployeeRemoved, Employee: p.Employee}}, nil

	case domain.KindFundPayroll:
		s.treasury += p.Amount
		return []domain.LedgerEvent{{Name: domain.EventPayrollFunded, Amount: p.Amount}}, nil

	case domain.KindAddOracle:
		s.oracles[p.Symbol] = p.Oracle
		return []domain.LedgerEvent{{Name: domain.EventOracleUpdated, Symbol: p.Symbol, Oracle: p.Oracle}}, nil

	case domain.KindPayEmployee:
		emp, ok := s.employees[p.Employee]
		if !ok {
			return nil, fmt.Errorf("Employee not found")
		}
		amount := p.Amount
		if amount == 0 {
			amount = emp.salary
		}
		return s.pay(map[string]int64{p.Employee: amount}, []string{p.Employee})

	case domain.KindPayAllEmployees:
		amounts := make(map[string]int64, len(p.Employees))
		for _, e := range p.Employees {
			emp, ok := s.employees[e]
			if !ok {
				return nil, fmt.Errorf("Employee not found")
			}
			amounts[e] = emp.salary
		}
		return s.pay(amounts, p.Employees)

	case domain.KindPayInvoice:
		return s.pay(map[string]int64{p.Employee: p.Amount}, []string{p.Employee})
	}
	return nil, fmt.Errorf("unsupported kind %s", env.Kind)
}

func (s *Simulator) pay(amounts map[string]int64, order []string) ([]domain.LedgerEvent, error) {
	var total int64
	for _, a := range amounts {
		total += a
	}
	if total > s.treasury {
		return nil, fmt.Errorf("Insufficient funds")
	}
	s.treasury -= total

	evs := make([]domain.LedgerEvent, 0, len(order))
	for _, e := range order {
		emp := s.employees[e]
		evs = append(evs, domain.LedgerEvent{
			Name: domain.EventEmployeePaid, Employee: e, Token: emp.token, Symbol: emp.symbol, Amount: amounts[e],
		})
	}
	return evs, nil
}

func (s *Simulator) Status(ctx context.Context, ref domain.LedgerRef) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[ref.TxHash]
	if !ok {
		return Receipt{Status: ReceiptUnknown}, nil
	}
	return Receipt{Status: tx.status, Block: tx.block, Reason: tx.reason}, nil
}

func (s *Simulator) Events(ctx context.Context, after domain.Cursor, limit int) ([]domain.LedgerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := sort.Search(len(s.events), func(i int) bool {
		return after.Less(s.events[i].Cursor)
	})
	end := len(s.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]domain.LedgerEvent, end-start)
	copy(out, s.events[start:end])
	return out, nil
}

func (s *Simulator) Balance(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.treasury, nil
}

// Price answers from the simulated feed. A configured feed that never reported is unavailable.
func (s *Simulator) Price(ctx context.Context, symbol string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.oracles[symbol]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPriceFeed, symbol)
	}
	price, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: oracle %s has not reported", ErrUnavailable, symbol)
	}
	return price, nil
}

// SetPrice sets the next answer of the feed for symbol.
func (s *Simulator) SetPrice(symbol string, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(symbol)] = price
}

// Tamper adjusts the treasury without emitting an event, modelling an out-of-band transfer.
func (s *Simulator) Tamper(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.treasury += delta
}
