// Package reconciler brings local intent state in line with what the ledger actually did.
// It is the only component that resolves submitted intents and the only writer of cached records.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlement/internal/common"
	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/ledger"
	"github.com/punchamoorthee/settlement/internal/service"
	"github.com/punchamoorthee/settlement/internal/store"
	"golang.org/x/sync/errgroup"
)

// Options tunes reconciliation. Zero values take the defaults.
type Options struct {
	Interval            time.Duration
	AmbiguousGrace      time.Duration
	MatchWindow         time.Duration
	DivergenceTolerance int64
	PageSize            int
	PollConcurrency     int
	Now                 func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.AmbiguousGrace <= 0 {
		o.AmbiguousGrace = 10 * time.Minute
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = 30 * time.Minute
	}
	if o.PollConcurrency <= 0 {
		o.PollConcurrency = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Report summarizes one reconciliation pass.
type Report struct {
	Events      int           `json:"events"`
	Applied     int           `json:"applied"`
	Duplicates  int           `json:"duplicates"`
	Matched     int           `json:"matched"`
	Confirmed   int           `json:"confirmed"`
	Failed      int           `json:"failed"`
	Expired     int           `json:"expired"`
	Divergences int           `json:"divergences"`
	Cursor      domain.Cursor `json:"cursor"`
}

type Reconciler struct {
	store   store.Store
	ledger  ledger.Client
	intents *service.IntentManager
	opts    Options

	mu          sync.Mutex
	trigger     chan struct{}
	lastBalance *domain.Divergence
}

func New(s store.Store, l ledger.Client, intents *service.IntentManager, opts Options) *Reconciler {
	return &Reconciler{
		store:   s,
		ledger:  l,
		intents: intents,
		opts:    opts.withDefaults(),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a pass as soon as possible. Concurrent triggers coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run reconciles on every tick and trigger until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	common.Log.Infof("reconciler started; interval %s, ambiguous grace %s", r.opts.Interval, r.opts.AmbiguousGrace)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.trigger:
		}
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			common.Log.Warningf("reconciliation pass failed; %s", err.Error())
		}
	}
}

// Reconcile runs one full pass. Passes never overlap.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rep Report
	err := r.reconcile(ctx, &rep)
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	reconcileRuns.WithLabelValues("ok").Inc()
	if rep.Events > 0 || rep.Confirmed > 0 || rep.Failed > 0 || rep.Divergences > 0 {
		common.Log.Debugf("reconciled %d events (%d applied), %d confirmed, %d failed, %d expired, cursor %s",
			rep.Events, rep.Applied, rep.Confirmed, rep.Failed, rep.Expired, rep.Cursor)
	}
	return rep, nil
}

func (r *Reconciler) reconcile(ctx context.Context, rep *Report) error {
	if err := r.consumeEvents(ctx, rep); err != nil {
		return err
	}
	if err := r.pollPending(ctx, rep); err != nil {
		return err
	}
	if err := r.expire(ctx, rep); err != nil {
		return err
	}
	return r.checkBalance(ctx, rep)
}

// consumeEvents walks the event log from the persisted cursor. For each event the matching
// intent is resolved first, then the record projection is applied, then the cursor advances.
// Every step is idempotent so a crash anywhere replays cleanly.
func (r *Reconciler) consumeEvents(ctx context.Context, rep *Report) error {
	cursor, err := r.store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	rep.Cursor = cursor

	candidates, err := r.candidates(ctx)
	if err != nil {
		return err
	}

	stream := ledger.NewStream(r.ledger, cursor, r.opts.PageSize)
	for stream.Next(ctx) {
		ev := stream.Event()
		rep.Events++

		in, err := r.match(ctx, ev, candidates)
		if err != nil {
			return err
		}
		late, err := r.resolveMatch(ctx, ev, in, rep)
		if err != nil {
			return err
		}

		applied, err := r.store.ApplyEvent(ctx, ev, domain.Project(ev))
		if err != nil {
			return fmt.Errorf("apply event %s: %w", ev.ID, err)
		}
		if applied {
			rep.Applied++
			if late != nil {
				if err := r.raise(ctx, rep, late); err != nil {
					return err
				}
			}
			if in == nil && ev.IntentID != "" {
				err := r.raise(ctx, rep, &domain.Divergence{
					Kind:    domain.DivergenceUnknownTx,
					Subject: ev.TxHash,
					Detail:  fmt.Sprintf("event %s %s references unknown intent %s", ev.ID, ev.Name, ev.IntentID),
					Ledger:  ev.Amount,
				})
				if err != nil {
					return err
				}
			}
		} else {
			rep.Duplicates++
			reconcileEvents.WithLabelValues("duplicate").Inc()
		}

		if err := r.store.SaveCursor(ctx, ev.Cursor); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		rep.Cursor = ev.Cursor
		cursorBlock.Set(float64(ev.Cursor.Block))
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("read events after %s: %w", stream.Cursor(), err)
	}
	return nil
}

// candidates loads the open intents plus recently settled ones, so that repeated events of one
// transaction and late executions of failed intents can be recognised.
func (r *Reconciler) candidates(ctx context.Context) ([]*domain.Intent, error) {
	open, err := r.store.ListIntents(ctx, domain.IntentFilter{States: domain.OpenStates})
	if err != nil {
		return nil, fmt.Errorf("list open intents: %w", err)
	}
	recent, err := r.store.ListIntents(ctx, domain.IntentFilter{
		States: []domain.IntentState{domain.StateConfirmed, domain.StateFailed},
		Since:  r.opts.Now().Add(-(r.opts.MatchWindow + r.opts.AmbiguousGrace)),
	})
	if err != nil {
		return nil, fmt.Errorf("list recent intents: %w", err)
	}
	// Oldest first so a natural-key match picks the earliest submission.
	out := make([]*domain.Intent, 0, len(open)+len(recent))
	for i := len(open) - 1; i >= 0; i-- {
		out = append(out, open[i])
	}
	for i := len(recent) - 1; i >= 0; i-- {
		out = append(out, recent[i])
	}
	return out, nil
}

// match finds the intent an event corroborates. Intent ids and tx hashes are exact and win over
// key matching; among key matches open intents are preferred over settled ones.
func (r *Reconciler) match(ctx context.Context, ev domain.LedgerEvent, candidates []*domain.Intent) (*domain.Intent, error) {
	if ev.IntentID != "" {
		for _, in := range candidates {
			if in.ID == ev.IntentID {
				return in, nil
			}
		}
		in, err := r.store.GetIntent(ctx, ev.IntentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup intent %s: %w", ev.IntentID, err)
		}
		return in, nil
	}

	if owner, err := r.txOwner(ctx, ev.TxHash, candidates); owner != nil || err != nil {
		return owner, err
	}

	// No intent owns the transaction, so fall back to natural key and time window.
	var settled *domain.Intent
	for _, in := range candidates {
		if !domain.Matches(in, ev, r.opts.MatchWindow) {
			continue
		}
		if in.State.InFlight() || in.State == domain.StateConfirmed {
			return in, nil
		}
		// A failed intent only counts if it may have reached the ledger.
		if settled == nil && (in.LedgerRef != nil || in.SubmittedAt != nil) {
			settled = in
		}
	}
	if settled != nil {
		return settled, nil
	}
	return nil, nil
}

// txOwner returns the intent whose ledger ref carries hash, if any.
func (r *Reconciler) txOwner(ctx context.Context, hash string, candidates []*domain.Intent) (*domain.Intent, error) {
	if hash == "" {
		return nil, nil
	}
	for _, in := range candidates {
		if in.LedgerRef != nil && in.LedgerRef.TxHash == hash {
			return in, nil
		}
	}
	byHash, err := r.store.ListIntents(ctx, domain.IntentFilter{TxHash: hash, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("lookup tx %s: %w", hash, err)
	}
	if len(byHash) > 0 {
		return byHash[0], nil
	}
	return nil, nil
}

// resolveMatch confirms an open intent, or reports a late execution of one that was already
// given up on. in is updated in place so later events of the same transaction see it settled.
func (r *Reconciler) resolveMatch(ctx context.Context, ev domain.LedgerEvent, in *domain.Intent, rep *Report) (*domain.Divergence, error) {
	if in == nil {
		reconcileEvents.WithLabelValues("external").Inc()
		return nil, nil
	}

	switch {
	case in.State == domain.StateConfirmed:
		reconcileEvents.WithLabelValues("settled").Inc()
		return nil, nil

	case in.State == domain.StateFailed || in.State == domain.StateAbandoned:
		reconcileEvents.WithLabelValues("late").Inc()
		return &domain.Divergence{
			Kind:    domain.DivergenceLateExecution,
			Subject: in.ID,
			Detail:  fmt.Sprintf("%s intent %s executed on ledger in %s (event %s %s) after being marked %s", in.Kind, in.ID, ev.TxHash, ev.ID, ev.Name, in.State),
			Ledger:  ev.Amount,
		}, nil
	}

	rep.Matched++
	reconcileEvents.WithLabelValues("matched").Inc()
	resolved, err := r.intents.Resolve(ctx, in.ID, service.Resolution{
		State: domain.StateConfirmed,
		Ref:   &domain.LedgerRef{TxHash: ev.TxHash},
	})
	if errors.Is(err, service.ErrInvalidTransition) {
		// Settled concurrently, e.g. expired into failed by another pass.
		common.Log.Warningf("event %s matched intent %s which can no longer be confirmed; %s", ev.ID, in.ID, err.Error())
		if resolved != nil && resolved.State.Terminal() {
			*in = *resolved
			return r.resolveMatch(ctx, ev, in, rep)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirm intent %s: %w", in.ID, err)
	}
	*in = *resolved
	rep.Confirmed++
	return nil, nil
}

// pollPending asks the ledger for receipts of pending intents. Reverted transactions never
// emit events, so this is how they are discovered.
func (r *Reconciler) pollPending(ctx context.Context, rep *Report) error {
	pending, err := r.store.ListIntents(ctx, domain.IntentFilter{States: []domain.IntentState{domain.StatePending}})
	if err != nil {
		return fmt.Errorf("list pending intents: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PollConcurrency)
	for _, in := range pending {
		in := in
		if in.LedgerRef == nil {
			continue
		}
		g.Go(func() error {
			rcpt, err := r.ledger.Status(gctx, *in.LedgerRef)
			if err != nil {
				common.Log.Debugf("status of intent %s unavailable; %s", in.ID, err.Error())
				return nil
			}

			var res service.Resolution
			switch rcpt.Status {
			case ledger.ReceiptConfirmed:
				res = service.Resolution{State: domain.StateConfirmed}
			case ledger.ReceiptFailed:
				res = service.Resolution{State: domain.StateFailed, Reason: "reverted: " + rcpt.Reason}
			default:
				return nil
			}

			_, err = r.intents.Resolve(gctx, in.ID, res)
			if errors.Is(err, service.ErrInvalidTransition) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("resolve intent %s: %w", in.ID, err)
			}
			mu.Lock()
			if res.State == domain.StateConfirmed {
				rep.Confirmed++
			} else {
				rep.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// expire fails ambiguous intents that found no ledger evidence within the grace period, and
// moves submissions interrupted mid-flight into verification.
func (r *Reconciler) expire(ctx context.Context, rep *Report) error {
	now := r.opts.Now()

	stuck, err := r.store.ListIntents(ctx, domain.IntentFilter{States: []domain.IntentState{domain.StateSubmitting}})
	if err != nil {
		return fmt.Errorf("list submitting intents: %w", err)
	}
	for _, in := range stuck {
		if now.Sub(in.UpdatedAt) < r.opts.AmbiguousGrace {
			continue
		}
		_, err := r.intents.Resolve(ctx, in.ID, service.Resolution{State: domain.StateAmbiguous, Reason: "submission interrupted"})
		if err != nil && !errors.Is(err, service.ErrInvalidTransition) {
			return fmt.Errorf("flag interrupted intent %s: %w", in.ID, err)
		}
	}

	ambiguous, err := r.store.ListIntents(ctx, domain.IntentFilter{States: []domain.IntentState{domain.StateAmbiguous}})
	if err != nil {
		return fmt.Errorf("list ambiguous intents: %w", err)
	}
	for _, in := range ambiguous {
		since := in.UpdatedAt
		if in.SubmittedAt != nil {
			since = *in.SubmittedAt
		}
		if now.Sub(since) < r.opts.AmbiguousGrace {
			continue
		}
		_, err := r.intents.Resolve(ctx, in.ID, service.Resolution{
			State:  domain.StateFailed,
			Reason: fmt.Sprintf("no ledger evidence within %s", r.opts.AmbiguousGrace),
		})
		if errors.Is(err, service.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return fmt.Errorf("expire intent %s: %w", in.ID, err)
		}
		rep.Expired++
		rep.Failed++
	}
	return nil
}

// checkBalance compares the cached treasury against a direct ledger read.
func (r *Reconciler) checkBalance(ctx context.Context, rep *Report) error {
	var local int64
	rec, err := r.store.GetRecord(ctx, domain.RecordBalance, domain.TreasuryKey)
	switch {
	case err == nil:
		local = rec.Balance
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load treasury record: %w", err)
	}

	onLedger, err := r.ledger.Balance(ctx)
	if err != nil {
		common.Log.Debugf("treasury balance unavailable; %s", err.Error())
		return nil
	}

	diff := local - onLedger
	if diff < 0 {
		diff = -diff
	}
	if diff <= r.opts.DivergenceTolerance {
		r.lastBalance = nil
		return nil
	}
	if r.lastBalance != nil && r.lastBalance.Local == local && r.lastBalance.Ledger == onLedger {
		return nil
	}

	d := &domain.Divergence{
		Kind:    domain.DivergenceBalance,
		Subject: domain.TreasuryKey,
		Detail:  fmt.Sprintf("cached treasury %d differs from ledger %d", local, onLedger),
		Local:   local,
		Ledger:  onLedger,
	}
	if err := r.raise(ctx, rep, d); err != nil {
		return err
	}
	r.lastBalance = d
	return nil
}

func (r *Reconciler) raise(ctx context.Context, rep *Report, d *domain.Divergence) error {
	d.ID = uuid.New().String()
	d.CreatedAt = r.opts.Now().UTC()
	if err := r.store.CreateDivergence(ctx, d); err != nil {
		return fmt.Errorf("record divergence: %w", err)
	}
	rep.Divergences++
	divergences.WithLabelValues(string(d.Kind)).Inc()
	common.Log.Warningf("divergence %s on %s; %s", d.Kind, d.Subject, d.Detail)
	return nil
}
