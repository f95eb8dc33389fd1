package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/settlement/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS intents (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	payload JSONB NOT NULL,
	state TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	nonce BIGINT NOT NULL DEFAULT 0,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_intents_in_flight ON intents(kind, natural_key)
	WHERE state IN (%s);
CREATE INDEX IF NOT EXISTS idx_intents_kind_state ON intents(kind, state);
CREATE INDEX IF NOT EXISTS idx_intents_created_at ON intents(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_intents_tx_hash ON intents(tx_hash);
CREATE INDEX IF NOT EXISTS idx_intents_due ON intents(state, next_attempt_at);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	payee TEXT NOT NULL,
	amount BIGINT NOT NULL CHECK (amount > 0),
	description TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'rejected')),
	settlement_intent_id TEXT NOT NULL DEFAULT '',
	tx_hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	paid_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_invoices_payee ON invoices(payee);
CREATE INDEX IF NOT EXISTS idx_invoices_created_at ON invoices(created_at DESC);

CREATE TABLE IF NOT EXISTS records (
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL DEFAULT '',
	salary BIGINT NOT NULL DEFAULT 0,
	oracle TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT false,
	balance BIGINT NOT NULL DEFAULT 0,
	paid_total BIGINT NOT NULL DEFAULT 0,
	last_paid_at TIMESTAMPTZ,
	last_event_id TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, key)
);

CREATE TABLE IF NOT EXISTS ledger_events (
	id TEXT PRIMARY KEY,
	block BIGINT NOT NULL,
	tx_index INT NOT NULL,
	log_index INT NOT NULL,
	tx_hash TEXT NOT NULL,
	name TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cursors (
	name TEXT PRIMARY KEY,
	block BIGINT NOT NULL,
	tx_index INT NOT NULL,
	log_index INT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS divergences (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT NOT NULL,
	local_value BIGINT NOT NULL DEFAULT 0,
	ledger_value BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	Db *pgxpool.Pool
}

// NewPostgresStore connects to connString and applies the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(postgresSchema, inFlightList())); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

func pgPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPgIntent(row pgx.Row) (*domain.Intent, error) {
	var (
		in          domain.Intent
		kind, state string
		txHash      string
		payload     []byte
		nonce       int64
	)
	err := row.Scan(&in.ID, &kind, &in.NaturalKey, &payload, &state, &txHash, &nonce, &in.Attempts,
		&in.LastError, &in.NextAttemptAt, &in.SubmittedAt, &in.Version, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	in.Kind = domain.IntentKind(kind)
	in.State = domain.IntentState(state)
	if in.Payload, err = decodePayload(payload); err != nil {
		return nil, err
	}
	if txHash != "" {
		in.LedgerRef = &domain.LedgerRef{TxHash: txHash, Nonce: uint64(nonce)}
	}
	in.NextAttemptAt = in.NextAttemptAt.UTC()
	in.CreatedAt = in.CreatedAt.UTC()
	in.UpdatedAt = in.UpdatedAt.UTC()
	return &in, nil
}

// CreateIntent serializes creation per (kind, natural key) with a transaction-scoped advisory lock;
// the partial unique index backs it up.
func (s *PostgresStore) CreateIntent(ctx context.Context, in *domain.Intent) (*domain.Intent, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", string(in.Kind)+"/"+in.NaturalKey); err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	existing, err := scanPgIntent(tx.QueryRow(ctx, "SELECT "+intentColumns+" FROM intents WHERE id = $1", in.ID))
	if err == nil {
		return existing, ErrDuplicateID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("id lookup failed: %w", err)
	}

	existing, err = scanPgIntent(tx.QueryRow(ctx,
		"SELECT "+intentColumns+" FROM intents WHERE kind = $1 AND natural_key = $2 AND state IN ("+inFlightList()+")",
		string(in.Kind), in.NaturalKey))
	if err == nil {
		return existing, ErrInFlight
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("natural key lookup failed: %w", err)
	}

	payload, err := encodePayload(in.Payload)
	if err != nil {
		return nil, err
	}
	txHash, nonce := refFields(in)
	_, err = tx.Exec(ctx,
		"INSERT INTO intents ("+intentColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)",
		in.ID, string(in.Kind), in.NaturalKey, payload, string(in.State), txHash, nonce, in.Attempts,
		in.LastError, in.NextAttemptAt, in.SubmittedAt, in.Version, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, ErrInFlight
		}
		return nil, fmt.Errorf("intent insert failed: %w", err)
	}

	if in.Kind == domain.KindPayInvoice {
		tag, err := tx.Exec(ctx,
			"UPDATE invoices SET settlement_intent_id = $1 WHERE id = $2 AND status = 'pending'",
			in.ID, in.Payload.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("invoice link failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrInvoiceNotPayable
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isPgUniqueViolation(err) {
			return nil, ErrInFlight
		}
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return in, nil
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*domain.Intent, error) {
	return scanPgIntent(s.Db.QueryRow(ctx, "SELECT "+intentColumns+" FROM intents WHERE id = $1", id))
}

func (s *PostgresStore) ListIntents(ctx context.Context, f domain.IntentFilter) ([]*domain.Intent, error) {
	w := &where{placeholder: pgPlaceholder}
	w.in("kind", kindStrings(f.Kinds))
	w.in("state", stateStrings(f.States))
	if f.NaturalKey != "" {
		w.add("natural_key = ?", f.NaturalKey)
	}
	if f.TxHash != "" {
		w.add("tx_hash = ?", f.TxHash)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		w.add("created_at < ?", f.Until)
	}
	if !f.DueBefore.IsZero() {
		w.add("next_attempt_at <= ?", f.DueBefore)
	}

	query := "SELECT " + intentColumns + " FROM intents" + w.String() + intentOrder(f)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.Db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("intent query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Intent
	for rows.Next() {
		in, err := scanPgIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateIntent(ctx context.Context, in *domain.Intent, from domain.IntentState) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	payload, err := encodePayload(in.Payload)
	if err != nil {
		return err
	}
	txHash, nonce := refFields(in)
	now := in.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := tx.Exec(ctx, `
		UPDATE intents
		SET state = $1, payload = $2, tx_hash = $3, nonce = $4, attempts = $5, last_error = $6,
			next_attempt_at = $7, submitted_at = $8, version = version + 1, updated_at = $9
		WHERE id = $10 AND state = $11 AND version = $12`,
		string(in.State), payload, txHash, nonce, in.Attempts, in.LastError,
		in.NextAttemptAt, in.SubmittedAt, now, in.ID, string(from), in.Version)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrInFlight
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			return ErrStaleState
		}
		return fmt.Errorf("intent update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}

	if in.Kind == domain.KindPayInvoice && in.State == domain.StateConfirmed {
		_, err = tx.Exec(ctx,
			"UPDATE invoices SET status = 'paid', paid_at = $1, tx_hash = $2, settlement_intent_id = $3 WHERE id = $4 AND status <> 'paid'",
			now, txHash, in.ID, in.Payload.InvoiceID)
		if err != nil {
			return fmt.Errorf("invoice settlement failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	in.Version++
	in.UpdatedAt = now
	return nil
}

func (s *PostgresStore) CountIntents(ctx context.Context) (map[domain.IntentState]int, error) {
	rows, err := s.Db.Query(ctx, "SELECT state, COUNT(*) FROM intents GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("intent count failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.IntentState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.IntentState(state)] = n
	}
	return counts, rows.Err()
}

func scanPgInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.Payee, &inv.Amount, &inv.Description, &status,
		&inv.SettlementIntentID, &inv.TxHash, &inv.CreatedAt, &inv.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.CreatedAt = inv.CreatedAt.UTC()
	return &inv, nil
}

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO invoices ("+invoiceColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		inv.ID, inv.Payee, inv.Amount, inv.Description, string(inv.Status),
		inv.SettlementIntentID, inv.TxHash, inv.CreatedAt, inv.PaidAt)
	if err != nil {
		return fmt.Errorf("invoice insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return scanPgInvoice(s.Db.QueryRow(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id))
}

func (s *PostgresStore) ListInvoices(ctx context.Context, f domain.InvoiceFilter) ([]*domain.Invoice, error) {
	w := &where{placeholder: pgPlaceholder}
	if f.Payee != "" {
		w.add("payee = ?", domain.NormalizeAddress(f.Payee))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	query := "SELECT " + invoiceColumns + " FROM invoices" + w.String() + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.Db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("invoice query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Invoice
	for rows.Next() {
		inv, err := scanPgInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// RejectInvoice locks the invoice row, so a concurrent pay_invoice link either lands first and is
// seen here or finds the invoice no longer pending.
func (s *PostgresStore) RejectInvoice(ctx context.Context, id, reason string, at time.Time) (*domain.Invoice, *domain.Intent, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := scanPgInvoice(tx.QueryRow(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, nil, err
	}
	if inv.Status != domain.InvoicePending {
		return nil, nil, ErrInvoiceNotPayable
	}

	var cancelled *domain.Intent
	if inv.SettlementIntentID != "" {
		in, err := scanPgIntent(tx.QueryRow(ctx, `
			UPDATE intents SET state = $1, last_error = $2, version = version + 1, updated_at = $3
			WHERE id = $4 AND state = $5
			RETURNING `+intentColumns,
			string(domain.StateAbandoned), reason, at, inv.SettlementIntentID, string(domain.StateCreated)))
		switch {
		case err == nil:
			cancelled = in
		case !errors.Is(err, ErrNotFound):
			return nil, nil, fmt.Errorf("settlement cancel failed: %w", err)
		default:
			current, err := scanPgIntent(tx.QueryRow(ctx, "SELECT "+intentColumns+" FROM intents WHERE id = $1", inv.SettlementIntentID))
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, nil, fmt.Errorf("settlement lookup failed: %w", err)
			}
			if current != nil && current.InFlight() {
				return nil, nil, ErrSettlementInFlight
			}
		}
	}

	if _, err := tx.Exec(ctx, "UPDATE invoices SET status = 'rejected' WHERE id = $1", id); err != nil {
		return nil, nil, fmt.Errorf("invoice reject failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	inv.Status = domain.InvoiceRejected
	return inv, cancelled, nil
}

func scanPgRecord(row pgx.Row) (*domain.Record, error) {
	var r domain.Record
	var kind string
	err := row.Scan(&kind, &r.Key, &r.Token, &r.Symbol, &r.Salary, &r.Oracle, &r.Active, &r.Balance,
		&r.PaidTotal, &r.LastPaidAt, &r.LastEventID, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind = domain.RecordKind(kind)
	return &r, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, kind domain.RecordKind, key string) (*domain.Record, error) {
	return scanPgRecord(s.Db.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM records WHERE kind = $1 AND key = $2", string(kind), key))
}

func (s *PostgresStore) ListRecords(ctx context.Context, f domain.RecordFilter) ([]*domain.Record, error) {
	w := &where{placeholder: pgPlaceholder}
	if f.Kind != "" {
		w.add("kind = ?", string(f.Kind))
	}
	if f.Key != "" {
		w.add("key = ?", f.Key)
	}
	rows, err := s.Db.Query(ctx, "SELECT "+recordColumns+" FROM records"+w.String()+" ORDER BY kind, key", w.args...)
	if err != nil {
		return nil, fmt.Errorf("record query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyEvent locks the touched records FOR UPDATE so concurrent appliers cannot lose deltas.
func (s *PostgresStore) ApplyEvent(ctx context.Context, ev domain.LedgerEvent, changes []domain.RecordChange) (bool, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_events (id, block, tx_index, log_index, tx_hash, name)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		ev.ID, int64(ev.Cursor.Block), int32(ev.Cursor.TxIndex), int32(ev.Cursor.LogIndex), ev.TxHash, string(ev.Name))
	if err != nil {
		return false, fmt.Errorf("event insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	now := time.Now().UTC()
	for _, c := range changes {
		current, err := scanPgRecord(tx.QueryRow(ctx,
			"SELECT "+recordColumns+" FROM records WHERE kind = $1 AND key = $2 FOR UPDATE", string(c.Kind), c.Key))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("record lock failed: %w", err)
		}
		r := c.Apply(current, ev.ID, now)
		_, err = tx.Exec(ctx, `
			INSERT INTO records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (kind, key) DO UPDATE SET
				token = EXCLUDED.token, symbol = EXCLUDED.symbol, salary = EXCLUDED.salary,
				oracle = EXCLUDED.oracle, active = EXCLUDED.active, balance = EXCLUDED.balance,
				paid_total = EXCLUDED.paid_total, last_paid_at = EXCLUDED.last_paid_at,
				last_event_id = EXCLUDED.last_event_id, updated_at = EXCLUDED.updated_at`,
			string(r.Kind), r.Key, r.Token, r.Symbol, r.Salary, r.Oracle, r.Active, r.Balance,
			r.PaidTotal, r.LastPaidAt, r.LastEventID, r.UpdatedAt)
		if err != nil {
			return false, fmt.Errorf("record upsert failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) LoadCursor(ctx context.Context) (domain.Cursor, error) {
	var block int64
	var txIndex, logIndex int32
	err := s.Db.QueryRow(ctx, "SELECT block, tx_index, log_index FROM cursors WHERE name = $1", cursorName).
		Scan(&block, &txIndex, &logIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Cursor{}, nil
	}
	if err != nil {
		return domain.Cursor{}, fmt.Errorf("cursor load failed: %w", err)
	}
	return domain.Cursor{Block: uint64(block), TxIndex: uint(txIndex), LogIndex: uint(logIndex)}, nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, c domain.Cursor) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO cursors (name, block, tx_index, log_index, updated_at) VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name) DO UPDATE SET block = EXCLUDED.block, tx_index = EXCLUDED.tx_index,
			log_index = EXCLUDED.log_index, updated_at = now()`,
		cursorName, int64(c.Block), int32(c.TxIndex), int32(c.LogIndex))
	if err != nil {
		return fmt.Errorf("cursor save failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateDivergence(ctx context.Context, d *domain.Divergence) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO divergences (id, kind, subject, detail, local_value, ledger_value, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		d.ID, string(d.Kind), d.Subject, d.Detail, d.Local, d.Ledger, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("divergence insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDivergences(ctx context.Context, limit int) ([]*domain.Divergence, error) {
	query := "SELECT id, kind, subject, detail, local_value, ledger_value, created_at FROM divergences ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.Db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("divergence query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Divergence
	for rows.Next() {
		var d domain.Divergence
		var kind string
		if err := rows.Scan(&d.ID, &kind, &d.Subject, &d.Detail, &d.Local, &d.Ledger, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Kind = domain.DivergenceKind(kind)
		out = append(out, &d)
	}
	return out, rows.Err()
}
