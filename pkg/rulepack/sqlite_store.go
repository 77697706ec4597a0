package rulepack

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/credentialmate/rules/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLStore reads rule packs from a rule_packs table. The migration also
// installs triggers rejecting UPDATE and DELETE, so published packs stay
// immutable at the storage layer, not just by convention.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle and applies the migration.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	const query = `
	CREATE TABLE IF NOT EXISTS rule_packs (
		rule_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		schema_version TEXT NOT NULL,
		body JSON NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (rule_type, version)
	);
	CREATE TRIGGER IF NOT EXISTS rule_packs_no_update
	BEFORE UPDATE ON rule_packs
	BEGIN
		SELECT RAISE(ABORT, 'rule packs are immutable');
	END;
	CREATE TRIGGER IF NOT EXISTS rule_packs_no_delete
	BEFORE DELETE ON rule_packs
	BEGIN
		SELECT RAISE(ABORT, 'rule packs are immutable');
	END;`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLStore) Load(ctx context.Context, ruleType contracts.RuleType, version int64) (*contracts.RulePack, error) {
	if !ruleType.Valid() {
		return nil, fmt.Errorf("%w: unknown rule_type %q", ErrMalformedPack, ruleType)
	}
	const query = `
		SELECT schema_version, body, created_at
		FROM rule_packs
		WHERE rule_type = ? AND version = ?`

	var (
		schemaVersion string
		body          []byte
		createdAt     string
	)
	err := s.db.QueryRowContext(ctx, query, string(ruleType), version).Scan(&schemaVersion, &body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, ruleType, version)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule pack %s/%d: %w", ruleType, version, err)
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s version %d: bad created_at %q", ErrMalformedPack, ruleType, version, createdAt)
	}
	pack := &contracts.RulePack{
		RuleType:      ruleType,
		Version:       version,
		SchemaVersion: schemaVersion,
		CreatedAt:     created,
		Body:          json.RawMessage(body),
	}
	if err := Validate(pack); err != nil {
		return nil, err
	}
	return pack, nil
}

func (s *SQLStore) ListVersions(ctx context.Context, ruleType contracts.RuleType) ([]int64, error) {
	const query = `SELECT version FROM rule_packs WHERE rule_type = ? ORDER BY version ASC`
	rows, err := s.db.QueryContext(ctx, query, string(ruleType))
	if err != nil {
		return nil, fmt.Errorf("list rule packs for %s: %w", ruleType, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Publish inserts a new pack version. It exists for seeding and tests; the
// production publish step lives in an external workflow. The insert fails on
// a duplicate (rule_type, version) rather than overwriting.
func (s *SQLStore) Publish(ctx context.Context, pack *contracts.RulePack) error {
	if err := Validate(pack); err != nil {
		return err
	}
	const query = `
		INSERT INTO rule_packs (rule_type, version, schema_version, body, created_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		string(pack.RuleType), pack.Version, pack.SchemaVersion,
		string(pack.Body), pack.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("publish rule pack %s/%d: %w", pack.RuleType, pack.Version, err)
	}
	return nil
}
