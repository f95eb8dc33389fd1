package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/punchamoorthee/settlement/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS intents (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	payload TEXT NOT NULL,
	state TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	nonce INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at INTEGER NOT NULL,
	submitted_at INTEGER,
	version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_intents_in_flight ON intents(kind, natural_key)
	WHERE state IN (` + "%s" + `);
CREATE INDEX IF NOT EXISTS idx_intents_kind_state ON intents(kind, state);
CREATE INDEX IF NOT EXISTS idx_intents_created_at ON intents(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_intents_tx_hash ON intents(tx_hash);
CREATE INDEX IF NOT EXISTS idx_intents_due ON intents(state, next_attempt_at);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	payee TEXT NOT NULL,
	amount INTEGER NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending', 'paid', 'rejected')),
	settlement_intent_id TEXT NOT NULL DEFAULT '',
	tx_hash TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	paid_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_invoices_payee ON invoices(payee);
CREATE INDEX IF NOT EXISTS idx_invoices_created_at ON invoices(created_at DESC);

CREATE TABLE IF NOT EXISTS records (
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL DEFAULT '',
	salary INTEGER NOT NULL DEFAULT 0,
	oracle TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 0,
	balance INTEGER NOT NULL DEFAULT 0,
	paid_total INTEGER NOT NULL DEFAULT 0,
	last_paid_at INTEGER,
	last_event_id TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (kind, key)
);

CREATE TABLE IF NOT EXISTS ledger_events (
	id TEXT PRIMARY KEY,
	block INTEGER NOT NULL,
	tx_index INTEGER NOT NULL,
	log_index INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
	name TEXT PRIMARY KEY,
	block INTEGER NOT NULL,
	tx_index INTEGER NOT NULL,
	log_index INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS divergences (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT NOT NULL,
	local_value INTEGER NOT NULL DEFAULT 0,
	ledger_value INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
`

const intentColumns = `id, kind, natural_key, payload, state, tx_hash, nonce, attempts, last_error,
	next_attempt_at, submitted_at, version, created_at, updated_at`

const invoiceColumns = `id, payee, amount, description, status, settlement_intent_id, tx_hash, created_at, paid_at`

const recordColumns = `kind, key, token, symbol, salary, oracle, active, balance, paid_total,
	last_paid_at, last_event_id, updated_at`

// SQLiteStore implements Store on an embedded SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writers and avoids "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(fmt.Sprintf(sqliteSchema, inFlightList())); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteIntent(row rowScanner) (*domain.Intent, error) {
	var (
		in                       domain.Intent
		kind, state, txHash      string
		payload                  []byte
		nonce                    int64
		nextAt, createdAt, updAt int64
		submittedAt              sql.NullInt64
	)
	err := row.Scan(&in.ID, &kind, &in.NaturalKey, &payload, &state, &txHash, &nonce, &in.Attempts,
		&in.LastError, &nextAt, &submittedAt, &in.Version, &createdAt, &updAt)
	if errors.Is(err, sql.ErrNoRows) {
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
	in.NextAttemptAt = fromNanos(nextAt)
	in.SubmittedAt = timePtr(submittedAt)
	in.CreatedAt = fromNanos(createdAt)
	in.UpdatedAt = fromNanos(updAt)
	return &in, nil
}

func refFields(in *domain.Intent) (string, int64) {
	if in.LedgerRef == nil {
		return "", 0
	}
	return in.LedgerRef.TxHash, int64(in.LedgerRef.Nonce)
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLiteStore) CreateIntent(ctx context.Context, in *domain.Intent) (*domain.Intent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSQLiteIntent(tx.QueryRowContext(ctx,
		"SELECT "+intentColumns+" FROM intents WHERE id = ?", in.ID))
	if err == nil {
		return existing, ErrDuplicateID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("id lookup failed: %w", err)
	}

	existing, err = scanSQLiteIntent(tx.QueryRowContext(ctx,
		"SELECT "+intentColumns+" FROM intents WHERE kind = ? AND natural_key = ? AND state IN ("+inFlightList()+")",
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
	_, err = tx.ExecContext(ctx,
		"INSERT INTO intents ("+intentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		in.ID, string(in.Kind), in.NaturalKey, payload, string(in.State), txHash, nonce, in.Attempts,
		in.LastError, nanos(in.NextAttemptAt), nullNanos(in.SubmittedAt), in.Version,
		nanos(in.CreatedAt), nanos(in.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrInFlight
		}
		return nil, fmt.Errorf("intent insert failed: %w", err)
	}

	if in.Kind == domain.KindPayInvoice {
		res, err := tx.ExecContext(ctx,
			"UPDATE invoices SET settlement_intent_id = ? WHERE id = ? AND status = 'pending'",
			in.ID, in.Payload.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("invoice link failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrInvoiceNotPayable
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return in, nil
}

func (s *SQLiteStore) GetIntent(ctx context.Context, id string) (*domain.Intent, error) {
	return scanSQLiteIntent(s.db.QueryRowContext(ctx, "SELECT "+intentColumns+" FROM intents WHERE id = ?", id))
}

func (s *SQLiteStore) ListIntents(ctx context.Context, f domain.IntentFilter) ([]*domain.Intent, error) {
	w := &where{placeholder: func(int) string { return "?" }}
	w.in("kind", kindStrings(f.Kinds))
	w.in("state", stateStrings(f.States))
	if f.NaturalKey != "" {
		w.add("natural_key = ?", f.NaturalKey)
	}
	if f.TxHash != "" {
		w.add("tx_hash = ?", f.TxHash)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= ?", nanos(f.Since))
	}
	if !f.Until.IsZero() {
		w.add("created_at < ?", nanos(f.Until))
	}
	if !f.DueBefore.IsZero() {
		w.add("next_attempt_at <= ?", nanos(f.DueBefore))
	}

	query := "SELECT " + intentColumns + " FROM intents" + w.String() + intentOrder(f)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("intent query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Intent
	for rows.Next() {
		in, err := scanSQLiteIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateIntent(ctx context.Context, in *domain.Intent, from domain.IntentState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	payload, err := encodePayload(in.Payload)
	if err != nil {
		return err
	}
	txHash, nonce := refFields(in)
	now := in.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE intents
		SET state = ?, payload = ?, tx_hash = ?, nonce = ?, attempts = ?, last_error = ?,
			next_attempt_at = ?, submitted_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND state = ? AND version = ?`,
		string(in.State), payload, txHash, nonce, in.Attempts, in.LastError,
		nanos(in.NextAttemptAt), nullNanos(in.SubmittedAt), nanos(now),
		in.ID, string(from), in.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrInFlight
		}
		return fmt.Errorf("intent update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}

	if in.Kind == domain.KindPayInvoice && in.State == domain.StateConfirmed {
		_, err = tx.ExecContext(ctx,
			"UPDATE invoices SET status = 'paid', paid_at = ?, tx_hash = ?, settlement_intent_id = ? WHERE id = ? AND status <> 'paid'",
			nanos(now), txHash, in.ID, in.Payload.InvoiceID)
		if err != nil {
			return fmt.Errorf("invoice settlement failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	in.Version++
	in.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) CountIntents(ctx context.Context) (map[domain.IntentState]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM intents GROUP BY state")
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

func scanSQLiteInvoice(row rowScanner) (*domain.Invoice, error) {
	var (
		inv       domain.Invoice
		status    string
		createdAt int64
		paidAt    sql.NullInt64
	)
	err := row.Scan(&inv.ID, &inv.Payee, &inv.Amount, &inv.Description, &status,
		&inv.SettlementIntentID, &inv.TxHash, &createdAt, &paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.CreatedAt = fromNanos(createdAt)
	inv.PaidAt = timePtr(paidAt)
	return &inv, nil
}

func (s *SQLiteStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO invoices ("+invoiceColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		inv.ID, inv.Payee, inv.Amount, inv.Description, string(inv.Status),
		inv.SettlementIntentID, inv.TxHash, nanos(inv.CreatedAt), nullNanos(inv.PaidAt))
	if err != nil {
		return fmt.Errorf("invoice insert failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return scanSQLiteInvoice(s.db.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id))
}

func (s *SQLiteStore) ListInvoices(ctx context.Context, f domain.InvoiceFilter) ([]*domain.Invoice, error) {
	w := &where{placeholder: func(int) string { return "?" }}
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

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("invoice query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Invoice
	for rows.Next() {
		inv, err := scanSQLiteInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RejectInvoice(ctx context.Context, id, reason string, at time.Time) (*domain.Invoice, *domain.Intent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	inv, err := scanSQLiteInvoice(tx.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id))
	if err != nil {
		return nil, nil, err
	}
	if inv.Status != domain.InvoicePending {
		return nil, nil, ErrInvoiceNotPayable
	}

	var cancelled *domain.Intent
	if inv.SettlementIntentID != "" {
		in, err := scanSQLiteIntent(tx.QueryRowContext(ctx,
			"SELECT "+intentColumns+" FROM intents WHERE id = ?", inv.SettlementIntentID))
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, nil, fmt.Errorf("settlement lookup failed: %w", err)
		case in.State == domain.StateCreated:
			_, err := tx.ExecContext(ctx, `
				UPDATE intents SET state = ?, last_error = ?, version = version + 1, updated_at = ?
				WHERE id = ? AND state = ?`,
				string(domain.StateAbandoned), reason, nanos(at), in.ID, string(domain.StateCreated))
			if err != nil {
				return nil, nil, fmt.Errorf("settlement cancel failed: %w", err)
			}
			in.State = domain.StateAbandoned
			in.LastError = reason
			in.Version++
			in.UpdatedAt = at.UTC()
			cancelled = in
		case in.InFlight():
			return nil, nil, ErrSettlementInFlight
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE invoices SET status = 'rejected' WHERE id = ?", id); err != nil {
		return nil, nil, fmt.Errorf("invoice reject failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	inv.Status = domain.InvoiceRejected
	return inv, cancelled, nil
}

func scanSQLiteRecord(row rowScanner) (*domain.Record, error) {
	var (
		r          domain.Record
		kind       string
		active     int
		lastPaidAt sql.NullInt64
		updatedAt  int64
	)
	err := row.Scan(&kind, &r.Key, &r.Token, &r.Symbol, &r.Salary, &r.Oracle, &active, &r.Balance,
		&r.PaidTotal, &lastPaidAt, &r.LastEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind = domain.RecordKind(kind)
	r.Active = active != 0
	r.LastPaidAt = timePtr(lastPaidAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return &r, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, kind domain.RecordKind, key string) (*domain.Record, error) {
	return scanSQLiteRecord(s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE kind = ? AND key = ?", string(kind), key))
}

func (s *SQLiteStore) ListRecords(ctx context.Context, f domain.RecordFilter) ([]*domain.Record, error) {
	w := &where{placeholder: func(int) string { return "?" }}
	if f.Kind != "" {
		w.add("kind = ?", string(f.Kind))
	}
	if f.Key != "" {
		w.add("key = ?", f.Key)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM records"+w.String()+" ORDER BY kind, key", w.args...)
	if err != nil {
		return nil, fmt.Errorf("record query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ApplyEvent(ctx context.Context, ev domain.LedgerEvent, changes []domain.RecordChange) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		"INSERT INTO ledger_events (id, block, tx_index, log_index, tx_hash, name, applied_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		ev.ID, int64(ev.Cursor.Block), ev.Cursor.TxIndex, ev.Cursor.LogIndex, ev.TxHash, string(ev.Name), nanos(now))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("event insert failed: %w", err)
	}

	for _, c := range changes {
		current, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
			"SELECT "+recordColumns+" FROM records WHERE kind = ? AND key = ?", string(c.Kind), c.Key))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("record lookup failed: %w", err)
		}
		r := c.Apply(current, ev.ID, now)
		active := 0
		if r.Active {
			active = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, key) DO UPDATE SET
				token = excluded.token, symbol = excluded.symbol, salary = excluded.salary,
				oracle = excluded.oracle, active = excluded.active, balance = excluded.balance,
				paid_total = excluded.paid_total, last_paid_at = excluded.last_paid_at,
				last_event_id = excluded.last_event_id, updated_at = excluded.updated_at`,
			string(r.Kind), r.Key, r.Token, r.Symbol, r.Salary, r.Oracle, active, r.Balance,
			r.PaidTotal, nullNanos(r.LastPaidAt), r.LastEventID, nanos(r.UpdatedAt))
		if err != nil {
			return false, fmt.Errorf("record upsert failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) LoadCursor(ctx context.Context) (domain.Cursor, error) {
	var c domain.Cursor
	var block int64
	err := s.db.QueryRowContext(ctx, "SELECT block, tx_index, log_index FROM cursors WHERE name = ?", cursorName).
		Scan(&block, &c.TxIndex, &c.LogIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cursor{}, nil
	}
	if err != nil {
		return c, fmt.Errorf("cursor load failed: %w", err)
	}
	c.Block = uint64(block)
	return c, nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, c domain.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, block, tx_index, log_index, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET block = excluded.block, tx_index = excluded.tx_index,
			log_index = excluded.log_index, updated_at = excluded.updated_at`,
		cursorName, int64(c.Block), c.TxIndex, c.LogIndex, nanos(time.Now()))
	if err != nil {
		return fmt.Errorf("cursor save failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateDivergence(ctx context.Context, d *domain.Divergence) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO divergences (id, kind, subject, detail, local_value, ledger_value, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		d.ID, string(d.Kind), d.Subject, d.Detail, d.Local, d.Ledger, nanos(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("divergence insert failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDivergences(ctx context.Context, limit int) ([]*domain.Divergence, error) {
	query := "SELECT id, kind, subject, detail, local_value, ledger_value, created_at FROM divergences ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("divergence query failed: %w", err)
	}
	defer rows.Close()

	var out []*domain.Divergence
	for rows.Next() {
		var d domain.Divergence
		var kind string
		var createdAt int64
		if err := rows.Scan(&d.ID, &kind, &d.Subject, &d.Detail, &d.Local, &d.Ledger, &createdAt); err != nil {
			return nil, err
		}
		d.Kind = domain.DivergenceKind(kind)
		d.CreatedAt = fromNanos(createdAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}
