package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/credentialmate/rules/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists windows and the execution log in SQLite. The
// migration installs triggers rejecting UPDATE and DELETE on execution_log,
// so append-only holds at the storage layer, not just by convention.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and applies the migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const query = `
	CREATE TABLE IF NOT EXISTS compliance_windows (
		provider_id TEXT PRIMARY KEY,
		merged_status TEXT NOT NULL,
		merged_next_due_date TEXT,
		body JSON NOT NULL,
		computed_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS execution_log (
		sequence INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		provider_id TEXT NOT NULL,
		rule_pack_versions JSON NOT NULL,
		input_snapshot JSON NOT NULL,
		output_snapshot JSON NOT NULL,
		input_hash TEXT NOT NULL,
		output_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL UNIQUE,
		executed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS execution_log_provider
		ON execution_log (provider_id, sequence);
	CREATE TRIGGER IF NOT EXISTS execution_log_no_update
	BEFORE UPDATE ON execution_log
	BEGIN
		SELECT RAISE(ABORT, 'execution log entries are immutable');
	END;
	CREATE TRIGGER IF NOT EXISTS execution_log_no_delete
	BEFORE DELETE ON execution_log
	BEGIN
		SELECT RAISE(ABORT, 'execution log entries are immutable');
	END;`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Commit(ctx context.Context, window *contracts.ComplianceWindow, draft contracts.ExecutionLogEntry) (*contracts.ExecutionLogEntry, error) {
	body, err := json.Marshal(window)
	if err != nil {
		return nil, fmt.Errorf("marshal compliance window for %s: %w", window.ProviderID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit for %s: %w", window.ProviderID, err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := headInTx(ctx, tx)
	if err != nil {
		return nil, err
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertEntry,
		entry.Sequence, entry.ID, entry.ProviderID, string(pins),
		string(entry.InputSnapshot), string(entry.OutputSnapshot),
		entry.InputHash, entry.OutputHash,
		entry.PreviousHash, entry.EntryHash,
		entry.ExecutedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: sequence %d", ErrSequenceTaken, entry.Sequence)
		}
		return nil, fmt.Errorf("append execution log entry: %w", err)
	}

	const upsertWindow = `
		INSERT INTO compliance_windows (provider_id, merged_status, merged_next_due_date, body, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			merged_status = excluded.merged_status,
			merged_next_due_date = excluded.merged_next_due_date,
			body = excluded.body,
			computed_at = excluded.computed_at`
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

func headInTx(ctx context.Context, tx *sql.Tx) (ChainHead, error) {
	const query = `SELECT sequence, entry_hash FROM execution_log ORDER BY sequence DESC LIMIT 1`
	var head ChainHead
	err := tx.QueryRowContext(ctx, query).Scan(&head.Sequence, &head.EntryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainHead{}, nil
	}
	if err != nil {
		return ChainHead{}, fmt.Errorf("read chain head: %w", err)
	}
	return head, nil
}

func (s *SQLiteStore) GetWindow(ctx context.Context, providerID string) (*contracts.ComplianceWindow, error) {
	const query = `SELECT body FROM compliance_windows WHERE provider_id = ?`
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

func (s *SQLiteStore) ListLogEntries(ctx context.Context, filter LogFilter) ([]contracts.ExecutionLogEntry, error) {
	query, args := buildLogQuery(filter, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLogEntries(rows)
}

func (s *SQLiteStore) Head(ctx context.Context) (ChainHead, error) {
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

// buildLogQuery assembles the filtered SELECT shared by both SQL backends.
// placeholder maps a 1-based argument position to the driver's syntax.
func buildLogQuery(filter LogFilter, placeholder func(int) string) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT sequence, id, provider_id, rule_pack_versions,
		input_snapshot, output_snapshot, input_hash, output_hash,
		previous_hash, entry_hash, executed_at
	FROM execution_log`)

	var clauses []string
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, placeholder(len(args))))
	}
	if filter.ProviderID != "" {
		add("provider_id = %s", filter.ProviderID)
	}
	if !filter.Since.IsZero() {
		add("executed_at >= %s", filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		add("executed_at <= %s", filter.Until.UTC().Format(time.RFC3339Nano))
	}
	if filter.StartSeq > 0 {
		add("sequence >= %s", filter.StartSeq)
	}
	if filter.EndSeq > 0 {
		add("sequence <= %s", filter.EndSeq)
	}
	if len(clauses) > 0 {
		sb.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	sb.WriteString(" ORDER BY sequence ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sb.WriteString(" LIMIT " + placeholder(len(args)))
	}
	return sb.String(), args
}

func scanLogEntries(rows *sql.Rows) ([]contracts.ExecutionLogEntry, error) {
	var entries []contracts.ExecutionLogEntry
	for rows.Next() {
		var (
			e          contracts.ExecutionLogEntry
			pins       []byte
			input      []byte
			output     []byte
			executedAt string
		)
		if err := rows.Scan(
			&e.Sequence, &e.ID, &e.ProviderID, &pins,
			&input, &output, &e.InputHash, &e.OutputHash,
			&e.PreviousHash, &e.EntryHash, &executedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution log entry: %w", err)
		}
		if err := json.Unmarshal(pins, &e.RulePackVersionsUsed); err != nil {
			return nil, fmt.Errorf("decode version pins for entry %s: %w", e.ID, err)
		}
		e.InputSnapshot = json.RawMessage(input)
		e.OutputSnapshot = json.RawMessage(output)
		t, err := time.Parse(time.RFC3339Nano, executedAt)
		if err != nil {
			return nil, fmt.Errorf("bad executed_at for entry %s: %w", e.ID, err)
		}
		e.ExecutedAt = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
