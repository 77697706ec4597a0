package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/credentialmate/rules/pkg/contracts"
)

// chainLockKey serializes Commit transactions so chain-head reads and entry
// appends cannot interleave across connections.
const chainLockKey = 7741_2209

// PostgresStore persists windows and the execution log in Postgres via
// lib/pq. Timestamps are stored as RFC 3339 text so rows round-trip to the
// exact bytes the hash chain covered.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle and applies the migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	const query = `
	CREATE TABLE IF NOT EXISTS compliance_windows (
		provider_id TEXT PRIMARY KEY,
		merged_status TEXT NOT NULL,
		merged_next_due_date TEXT,
		body JSONB NOT NULL,
		computed_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS execution_log (
		sequence BIGINT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		provider_id TEXT NOT NULL,
		rule_pack_versions JSONB NOT NULL,
		input_snapshot JSONB NOT NULL,
		output_snapshot JSONB NOT NULL,
		input_hash TEXT NOT NULL,
		output_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL UNIQUE,
		executed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS execution_log_provider
		ON execution_log (provider_id, sequence);

	CREATE OR REPLACE FUNCTION execution_log_immutable() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'execution log entries are immutable';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS execution_log_no_mutation ON execution_log;
	CREATE TRIGGER execution_log_no_mutation
		BEFORE UPDATE OR DELETE ON execution_log
		FOR EACH ROW EXECUTE FUNCTION execution_log_immutable();`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Commit(ctx context.Context, window *contracts.ComplianceWindow, draft contracts.ExecutionLogEntry) (*contracts.ExecutionLogEntry, error) {
	body, err := json.Marshal(window)
	if err != nil {
		return nil, fmt.Errorf("marshal compliance window for %s: %w", window.ProviderID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit for %s: %w", window.ProviderID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("acquire chain lock: %w", err)
	}

	var head ChainHead
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM execution_log ORDER BY sequence DESC LIMIT 1`,
	).Scan(&head.Sequence, &head.EntryHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	entry, err := Finalize(draft, head)
	if err != nil {
		return nil, err
	}
	pins, err := json.Marshal(entry.RulePackVersionsUsed)
	if err != nil {
		return nil, fmt.Errorf("marshal version pins: %w", err)
	}

	const insertEntry = `
		INSERT INTO execution_log (
			sequence, id, provider_id, rule_pack_versions,
			input_snapshot, output_snapshot, input_hash, output_hash,
			previous_hash, entry_hash, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := tx.ExecContext(ctx, insertEntry,
		entry.Sequence, entry.ID, entry.ProviderID, string(pins),
		string(entry.InputSnapshot), string(entry.OutputSnapshot),
		entry.InputHash, entry.OutputHash,
		entry.PreviousHash, entry.EntryHash,
		entry.ExecutedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, fmt.Errorf("%w: sequence %d", ErrSequenceTaken, entry.Sequence)
		}
		return nil, fmt.Errorf("append execution log entry: %w", err)
	}

	const upsertWindow = `
		INSERT INTO compliance_windows (provider_id, merged_status, merged_next_due_date, body, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id) DO UPDATE SET
			merged_status = EXCLUDED.merged_status,
			merged_next_due_date = EXCLUDED.merged_next_due_date,
			body = EXCLUDED.body,
			computed_at = EXCLUDED.computed_at`
	if _, err := tx.ExecContext(ctx, upsertWindow,
		window.ProviderID, string(window.MergedStatus), window.MergedNextDueDate.String(),
		string(body), window.ComputedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("upsert compliance window for %s: %w", window.ProviderID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit window and log entry for %s: %w", window.ProviderID, err)
	}
	return &entry, nil
}

func (s *PostgresStore) GetWindow(ctx context.Context, providerID string) (*contracts.ComplianceWindow, error) {
	const query = `SELECT body FROM compliance_windows WHERE provider_id = $1`
	var body []byte
	err := s.db.QueryRowContext(ctx, query, providerID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: provider %s", ErrWindowNotFound, providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load compliance window for %s: %w", providerID, err)
	}
	var window contracts.ComplianceWindow
	if err := json.Unmarshal(body, &window); err != nil {
		return nil, fmt.Errorf("decode compliance window for %s: %w", providerID, err)
	}
	return &window, nil
}

func (s *PostgresStore) ListLogEntries(ctx context.Context, filter LogFilter) ([]contracts.ExecutionLogEntry, error) {
	query, args := buildLogQuery(filter, func(n int) string {
		return fmt.Sprintf("$%d", n)
	})
	// JSONB normalizes whitespace, so snapshots come back compacted. The
	// hash chain is unaffected: hashes cover canonical forms, not raw rows.
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLogEntries(rows)
}

func (s *PostgresStore) Head(ctx context.Context) (ChainHead, error) {
	const query = `SELECT sequence, entry_hash FROM execution_log ORDER BY sequence DESC LIMIT 1`
	var head ChainHead
	err := s.db.QueryRowContext(ctx, query).Scan(&head.Sequence, &head.EntryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainHead{}, nil
	}
	if err != nil {
		return ChainHead{}, fmt.Errorf("read chain head: %w", err)
	}
	return head, nil
}
