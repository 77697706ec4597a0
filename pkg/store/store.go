// Package store persists compliance windows and the append-only execution
// log. A window write and its log entry always land in the same transaction:
// a reader can never observe a window without the entry that produced it.
//
// Log entries are hash-chained. Each entry's hash covers its predecessor's
// hash, so any retroactive edit breaks verification from that point forward.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/credentialmate/rules/pkg/canonicalize"
	"github.com/credentialmate/rules/pkg/contracts"
)

var (
	ErrWindowNotFound  = errors.New("compliance window not found")
	ErrChainBroken     = errors.New("execution log hash chain is broken")
	ErrImmutableEntry  = errors.New("execution log entries are immutable")
	ErrSequenceTaken   = errors.New("execution log sequence already written")
	ErrMissingSnapshot = errors.New("execution log entry missing snapshot")
)

// GenesisHash is the previous_hash of the first log entry.
const GenesisHash = "genesis"

// ChainHead identifies the newest entry in the execution log.
type ChainHead struct {
	Sequence  uint64
	EntryHash string
}

// Next returns the previous-hash value for the entry that follows this head.
func (h ChainHead) Next() string {
	if h.Sequence == 0 {
		return GenesisHash
	}
	return h.EntryHash
}

// LogFilter narrows ListLogEntries results. Zero fields match everything.
type LogFilter struct {
	ProviderID string
	Since      time.Time
	Until      time.Time
	StartSeq   uint64
	EndSeq     uint64
	Limit      int
}

// Store is the combined compliance window store and execution log.
type Store interface {
	// Commit atomically upserts the provider's window and appends the log
	// entry. The draft entry arrives without Sequence, PreviousHash, or
	// EntryHash; Commit assigns them under the store's write lock and
	// returns the finalized entry.
	Commit(ctx context.Context, window *contracts.ComplianceWindow, draft contracts.ExecutionLogEntry) (*contracts.ExecutionLogEntry, error)

	// GetWindow returns the latest window for a provider, or
	// ErrWindowNotFound if the provider has never been evaluated.
	GetWindow(ctx context.Context, providerID string) (*contracts.ComplianceWindow, error)

	// ListLogEntries returns log entries matching the filter in ascending
	// sequence order.
	ListLogEntries(ctx context.Context, filter LogFilter) ([]contracts.ExecutionLogEntry, error)

	// Head returns the current chain head. A zero-sequence head means the
	// log is empty.
	Head(ctx context.Context) (ChainHead, error)
}

// hashableEntry is the canonical subset of a log entry covered by its hash.
// Snapshots participate through their hashes rather than their raw bytes,
// which keeps the hashed form independent of snapshot formatting.
type hashableEntry struct {
	ID                   string                `json:"id"`
	ProviderID           string                `json:"provider_id"`
	Sequence             uint64                `json:"sequence"`
	RulePackVersionsUsed contracts.VersionPins `json:"rule_pack_versions_used"`
	InputHash            string                `json:"input_hash"`
	OutputHash           string                `json:"output_hash"`
	PreviousHash         string                `json:"previous_hash"`
	ExecutedAt           string                `json:"executed_at"`
}

// EntryHash computes the chain hash for a log entry from its canonical form.
func EntryHash(e contracts.ExecutionLogEntry) (string, error) {
	h, err := canonicalize.CanonicalHash(hashableEntry{
		ID:                   e.ID,
		ProviderID:           e.ProviderID,
		Sequence:             e.Sequence,
		RulePackVersionsUsed: e.RulePackVersionsUsed,
		InputHash:            e.InputHash,
		OutputHash:           e.OutputHash,
		PreviousHash:         e.PreviousHash,
		ExecutedAt:           e.ExecutedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("hash log entry %s: %w", e.ID, err)
	}
	return h, nil
}

// Finalize places a draft entry at the head of the chain: it assigns an ID
// when the caller did not, links the entry to the current head, and seals it
// with its chain hash. Backends call this while holding their write lock.
func Finalize(draft contracts.ExecutionLogEntry, head ChainHead) (contracts.ExecutionLogEntry, error) {
	if len(draft.InputSnapshot) == 0 || len(draft.OutputSnapshot) == 0 {
		return contracts.ExecutionLogEntry{}, ErrMissingSnapshot
	}
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	draft.Sequence = head.Sequence + 1
	draft.PreviousHash = head.Next()

	hash, err := EntryHash(draft)
	if err != nil {
		return contracts.ExecutionLogEntry{}, err
	}
	draft.EntryHash = hash
	return draft, nil
}

// VerifyEntries checks a complete log, ordered by sequence and starting at
// sequence 1, against the hash chain. It returns the position of the first
// broken link wrapped in ErrChainBroken.
func VerifyEntries(entries []contracts.ExecutionLogEntry) error {
	expectedPrev := GenesisHash
	expectedSeq := uint64(1)
	for i, e := range entries {
		if e.Sequence != expectedSeq {
			return fmt.Errorf("%w: entry %d has sequence %d, expected %d",
				ErrChainBroken, i, e.Sequence, expectedSeq)
		}
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		computed, err := EntryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
		expectedSeq++
	}
	return nil
}

// Verify pulls the full log from a store and checks the chain end to end.
func Verify(ctx context.Context, s Store) error {
	entries, err := s.ListLogEntries(ctx, LogFilter{})
	if err != nil {
		return fmt.Errorf("verify execution log: %w", err)
	}
	return VerifyEntries(entries)
}

func (f LogFilter) matches(e contracts.ExecutionLogEntry) bool {
	if f.ProviderID != "" && e.ProviderID != f.ProviderID {
		return false
	}
	if !f.Since.IsZero() && e.ExecutedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.ExecutedAt.After(f.Until) {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	return true
}
