package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/punchamoorthee/settlement/internal/common"
	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/ledger"
	"github.com/punchamoorthee/settlement/internal/store"
	"golang.org/x/sync/errgroup"
)

var (
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrNotCancellable      = errors.New("intent can no longer be cancelled")
	ErrNotRetryable        = errors.New("only abandoned intents can be retried")
	ErrInvalidTransition   = errors.New("invalid intent state transition")
	ErrInvoiceInFlight     = errors.New("invoice has a settlement in flight")
)

const staleRetries = 3

// Options tunes the submit policy. Zero values take the defaults.
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	SubmitInterval time.Duration
	Concurrency    int
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	if o.SubmitInterval <= 0 {
		o.SubmitInterval = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CreateOptions carries caller-controlled parameters of Create.
type CreateOptions struct {
	// ID is the client-supplied idempotency key. A ULID is generated when empty.
	ID string
}

// Resolution is a reconciler verdict for one intent.
type Resolution struct {
	State  domain.IntentState
	Ref    *domain.LedgerRef
	Reason string
}

// IntentManager owns the intent lifecycle. It is the only writer of intent state.
type IntentManager struct {
	store  store.Store
	ledger ledger.Client
	opts   Options

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	wake        chan struct{}
	onAmbiguous func()
}

func NewIntentManager(s store.Store, l ledger.Client, opts Options) *IntentManager {
	opts = opts.withDefaults()
	return &IntentManager{
		store:   s,
		ledger:  l,
		opts:    opts,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(opts.Now().UnixNano())), 0),
		wake:    make(chan struct{}, 1),
	}
}

// OnAmbiguous registers a callback fired whenever an intent enters the ambiguous state.
func (m *IntentManager) OnAmbiguous(fn func()) {
	m.onAmbiguous = fn
}

func (m *IntentManager) newID() string {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(m.opts.Now()), m.entropy).String()
}

func (m *IntentManager) now() time.Time {
	return m.opts.Now().UTC()
}

// Create records a new intent, or returns the one already holding its id or natural key.
// created is false when an existing intent was returned.
func (m *IntentManager) Create(ctx context.Context, kind domain.IntentKind, payload domain.Payload, opts CreateOptions) (*domain.Intent, bool, error) {
	payload, key, err := domain.Normalize(kind, payload)
	if err != nil {
		return nil, false, err
	}

	if opts.ID != "" {
		existing, err := m.store.GetIntent(ctx, opts.ID)
		switch {
		case err == nil:
			return replay(existing, kind, key, payload)
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
		}
	}

	if kind == domain.KindPayInvoice {
		if payload, err = m.invoicePayload(ctx, payload); err != nil {
			return nil, false, err
		}
	}

	now := m.now()
	in := &domain.Intent{
		ID:            opts.ID,
		Kind:          kind,
		NaturalKey:    key,
		Payload:       payload,
		State:         domain.StateCreated,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.ID == "" {
		in.ID = m.newID()
	}

	existing, err := m.store.CreateIntent(ctx, in)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInFlight):
		common.Log.Debugf("intent %s/%s already in flight as %s", kind, key, existing.ID)
		return existing, false, nil
	case errors.Is(err, store.ErrDuplicateID):
		return replay(existing, kind, key, payload)
	default:
		return nil, false, err
	}

	intentTransitions.WithLabelValues(string(kind), "none", string(domain.StateCreated)).Inc()
	common.Log.Debugf("created intent %s (%s %s)", in.ID, kind, key)
	m.nudge()
	return in, true, nil
}

// replay returns the intent stored under a reused id, provided the request matches it.
// pay_invoice payloads are derived from the invoice, so only the invoice id is compared.
func replay(existing *domain.Intent, kind domain.IntentKind, key string, payload domain.Payload) (*domain.Intent, bool, error) {
	if existing.Kind != kind || existing.NaturalKey != key {
		return existing, false, ErrIdempotencyMismatch
	}
	if kind != domain.KindPayInvoice && !samePayload(existing.Payload, payload) {
		return existing, false, ErrIdempotencyMismatch
	}
	return existing, false, nil
}

func samePayload(a, b domain.Payload) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func (m *IntentManager) invoicePayload(ctx context.Context, p domain.Payload) (domain.Payload, error) {
	inv, err := m.store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return p, fmt.Errorf("invoice %s: %w", p.InvoiceID, err)
	}
	if inv.Status != domain.InvoicePending {
		return p, fmt.Errorf("invoice %s is %s: %w", inv.ID, inv.Status, store.ErrInvoiceNotPayable)
	}
	if p.Employee != "" && p.Employee != inv.Payee {
		return p, &domain.ValidationError{Field: "employee", Reason: "does not match invoice payee"}
	}
	if p.Amount != 0 && p.Amount != inv.Amount {
		return p, &domain.ValidationError{Field: "amount", Reason: "does not match invoice amount"}
	}
	p.Employee = inv.Payee
	p.Amount = inv.Amount
	return p, nil
}

func (m *IntentManager) Get(ctx context.Context, id string) (*domain.Intent, error) {
	return m.store.GetIntent(ctx, id)
}

func (m *IntentManager) List(ctx context.Context, f domain.IntentFilter) ([]*domain.Intent, error) {
	return m.store.ListIntents(ctx, f)
}

// transition persists in at state to after applying mutate, compare-and-swapping on its
// current state and version. in is only updated when the write succeeds.
func (m *IntentManager) transition(ctx context.Context, in *domain.Intent, to domain.IntentState, mutate func(*domain.Intent)) error {
	from := in.State
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := *in
	next.State = to
	next.UpdatedAt = m.now()
	if mutate != nil {
		mutate(&next)
	}
	if err := m.store.UpdateIntent(ctx, &next, from); err != nil {
		return err
	}
	*in = next

	intentTransitions.WithLabelValues(string(in.Kind), string(from), string(to)).Inc()
	common.Log.Debugf("intent %s: %s -> %s", in.ID, from, to)
	return nil
}

// Cancel abandons an intent that has not been handed to the ledger yet.
func (m *IntentManager) Cancel(ctx context.Context, id, reason string) (*domain.Intent, error) {
	for i := 0; i < staleRetries; i++ {
		in, err := m.store.GetIntent(ctx, id)
		if err != nil {
			return nil, err
		}
		if in.State != domain.StateCreated {
			return in, fmt.Errorf("%w: intent is %s", ErrNotCancellable, in.State)
		}
		err = m.transition(ctx, in, domain.StateAbandoned, func(n *domain.Intent) {
			n.LastError = "cancelled"
			if reason != "" {
				n.LastError = "cancelled: " + reason
			}
		})
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		common.Log.Infof("cancelled intent %s", id)
		return in, nil
	}
	return nil, store.ErrStaleState
}

// Submit makes one submission attempt for a created intent and persists its outcome.
func (m *IntentManager) Submit(ctx context.Context, id string) (*domain.Intent, error) {
	in, err := m.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.State != domain.StateCreated {
		return in, fmt.Errorf("%w: cannot submit %s intent", ErrInvalidTransition, in.State)
	}

	err = m.transition(ctx, in, domain.StateSubmitting, func(n *domain.Intent) {
		n.Attempts++
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ref, submitErr := m.ledger.Submit(ctx, ledger.Envelope{IntentID: in.ID, Kind: in.Kind, Payload: in.Payload})

	// The ledger call already happened; its outcome must be recorded even if ctx is done.
	persistCtx := context.WithoutCancel(ctx)
	now := m.now()

	switch {
	case submitErr == nil:
		submitDuration.WithLabelValues("accepted").Observe(time.Since(start).Seconds())
		err = m.transition(persistCtx, in, domain.StatePending, func(n *domain.Intent) {
			n.LedgerRef = &ref
			n.SubmittedAt = &now
			n.LastError = ""
		})

	case errors.Is(submitErr, ledger.ErrRejected):
		submitDuration.WithLabelValues("rejected").Observe(time.Since(start).Seconds())
		common.Log.Warningf("ledger rejected intent %s; %s", in.ID, submitErr.Error())
		err = m.transition(persistCtx, in, domain.StateFailed, func(n *domain.Intent) {
			n.LastError = submitErr.Error()
		})

	case errors.Is(submitErr, ledger.ErrUnavailable):
		submitDuration.WithLabelValues("unavailable").Observe(time.Since(start).Seconds())
		if in.Attempts >= m.opts.MaxAttempts {
			common.Log.Warningf("abandoning intent %s after %d attempts; %s", in.ID, in.Attempts, submitErr.Error())
			err = m.transition(persistCtx, in, domain.StateAbandoned, func(n *domain.Intent) {
				n.LastError = fmt.Sprintf("abandoned after %d attempts: %s", n.Attempts, submitErr.Error())
			})
			break
		}
		delay := m.backoff(in.Attempts)
		common.Log.Debugf("ledger unavailable for intent %s, retrying in %s", in.ID, delay)
		err = m.transition(persistCtx, in, domain.StateCreated, func(n *domain.Intent) {
			n.LastError = submitErr.Error()
			n.NextAttemptAt = now.Add(delay)
		})

	default:
		// Ambiguous, or an error the ledger did not classify: never resubmit blindly.
		submitDuration.WithLabelValues("ambiguous").Observe(time.Since(start).Seconds())
		common.Log.Warningf("submission outcome of intent %s is unknown; %s", in.ID, submitErr.Error())
		err = m.transition(persistCtx, in, domain.StateAmbiguous, func(n *domain.Intent) {
			n.LastError = submitErr.Error()
			n.SubmittedAt = &now
		})
		if err == nil && m.onAmbiguous != nil {
			m.onAmbiguous()
		}
	}

	if errors.Is(err, store.ErrStaleState) {
		// The reconciler got there first.
		return m.store.GetIntent(persistCtx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("persist submit outcome of %s: %w", id, err)
	}
	return in, nil
}

func (m *IntentManager) backoff(attempt int) time.Duration {
	d := m.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.opts.BackoffMax {
			return m.opts.BackoffMax
		}
	}
	if d > m.opts.BackoffMax {
		return m.opts.BackoffMax
	}
	return d
}

// Resolve moves an intent to the state the reconciler observed on the ledger. Resolving to
// the current state is a no-op. Confirmation of an intent that is not yet pending passes
// through the intermediate states.
func (m *IntentManager) Resolve(ctx context.Context, id string, res Resolution) (*domain.Intent, error) {
	for i := 0; i < staleRetries; i++ {
		in, err := m.store.GetIntent(ctx, id)
		if err != nil {
			return nil, err
		}
		if in.State == res.State {
			return in, nil
		}

		to := res.State
		if to == domain.StateConfirmed && !in.State.CanTransition(to) {
			switch {
			case in.State.CanTransition(domain.StatePending):
				to = domain.StatePending
			case in.State == domain.StateCreated:
				// Executed although never marked submitted; claim it so the worker cannot resubmit.
				to = domain.StateSubmitting
			}
		}

		err = m.transition(ctx, in, to, func(n *domain.Intent) {
			if res.Ref != nil && n.LedgerRef == nil {
				ref := *res.Ref
				n.LedgerRef = &ref
			}
			if n.SubmittedAt == nil && n.LedgerRef != nil {
				at := n.UpdatedAt
				n.SubmittedAt = &at
			}
			if res.Reason != "" {
				n.LastError = res.Reason
			}
		})
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return in, err
		}
		if in.State != res.State {
			// Intermediate hop.
			i--
			continue
		}
		if res.State == domain.StateFailed || res.State == domain.StateAbandoned {
			common.Log.Warningf("intent %s resolved %s; %s", id, res.State, res.Reason)
		}
		return in, nil
	}
	return nil, fmt.Errorf("resolve %s: %w", id, store.ErrStaleState)
}

// Retry re-issues an abandoned intent as a new intent with the same kind and payload.
// Abandoned intents never reached the ledger, so this cannot double-execute.
func (m *IntentManager) Retry(ctx context.Context, id string) (*domain.Intent, bool, error) {
	in, err := m.store.GetIntent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if in.State != domain.StateAbandoned {
		return in, false, fmt.Errorf("%w: intent is %s", ErrNotRetryable, in.State)
	}
	payload := in.Payload
	if in.Kind == domain.KindPayInvoice {
		payload = domain.Payload{InvoiceID: in.Payload.InvoiceID}
	}
	return m.Create(ctx, in.Kind, payload, CreateOptions{})
}

// SubmitDue submits created intents whose backoff has elapsed, longest waiting first, one batch
// per call. Distinct natural keys proceed in parallel; the store guarantees at most one open
// intent per key.
func (m *IntentManager) SubmitDue(ctx context.Context) (int, error) {
	due, err := m.store.ListIntents(ctx, domain.IntentFilter{
		States:    []domain.IntentState{domain.StateCreated},
		DueBefore: m.now(),
		Limit:     m.opts.Concurrency * 4,
	})
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, in := range due {
		id := in.ID
		g.Go(func() error {
			_, err := m.Submit(gctx, id)
			if err != nil && !errors.Is(err, store.ErrStaleState) && !errors.Is(err, ErrInvalidTransition) {
				common.Log.Warningf("submit of intent %s failed; %s", id, err.Error())
			}
			return nil
		})
	}
	return len(due), g.Wait()
}

func (m *IntentManager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives SubmitDue until ctx is done.
func (m *IntentManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SubmitInterval)
	defer ticker.Stop()

	common.Log.Infof("intent submit worker started; interval %s, concurrency %d", m.opts.SubmitInterval, m.opts.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.wake:
		}
		if _, err := m.SubmitDue(ctx); err != nil && ctx.Err() == nil {
			common.Log.Warningf("submit pass failed; %s", err.Error())
		}
	}
}

// CreateInvoice records a pending invoice.
func (m *IntentManager) CreateInvoice(ctx context.Context, payee string, amount int64, description string) (*domain.Invoice, error) {
	inv := &domain.Invoice{
		ID:          uuid.New().String(),
		Payee:       payee,
		Amount:      amount,
		Description: description,
		Status:      domain.InvoicePending,
		CreatedAt:   m.now(),
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	common.Log.Debugf("created invoice %s for %s", inv.ID, inv.Payee)
	return inv, nil
}

// RejectInvoice rejects a pending invoice. A settlement intent that is still created (including
// one waiting out a backoff) is cancelled with it atomically; one already handed to the ledger
// blocks the rejection.
func (m *IntentManager) RejectInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, cancelled, err := m.store.RejectInvoice(ctx, id, "cancelled: invoice rejected", m.now())
	if errors.Is(err, store.ErrSettlementInFlight) {
		return nil, fmt.Errorf("%w: invoice %s", ErrInvoiceInFlight, id)
	}
	if err != nil {
		return nil, err
	}
	if cancelled != nil {
		intentTransitions.WithLabelValues(string(cancelled.Kind), string(domain.StateCreated), string(domain.StateAbandoned)).Inc()
		common.Log.Infof("cancelled intent %s with rejected invoice %s", cancelled.ID, id)
	}
	return inv, nil
}

// PayInvoice creates the pay_invoice intent settling the invoice.
func (m *IntentManager) PayInvoice(ctx context.Context, id string, opts CreateOptions) (*domain.Intent, bool, error) {
	return m.Create(ctx, domain.KindPayInvoice, domain.Payload{InvoiceID: id}, opts)
}
