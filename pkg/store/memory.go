package store

import (
	"context"
	"sync"

	"github.com/credentialmate/rules/pkg/contracts"
)

// MemoryStore keeps windows and the execution log in process memory. It backs
// tests and the single-shot CLI mode; services run the SQL stores.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string]contracts.ComplianceWindow
	entries []contracts.ExecutionLogEntry
	head    ChainHead
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]contracts.ComplianceWindow)}
}

func (s *MemoryStore) Commit(ctx context.Context, window *contracts.ComplianceWindow, draft contracts.ExecutionLogEntry) (*contracts.ExecutionLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := Finalize(draft, s.head)
	if err != nil {
		return nil, err
	}
	s.windows[window.ProviderID] = *window
	s.entries = append(s.entries, entry)
	s.head = ChainHead{Sequence: entry.Sequence, EntryHash: entry.EntryHash}
	return &entry, nil
}

func (s *MemoryStore) GetWindow(ctx context.Context, providerID string) (*contracts.ComplianceWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[providerID]
	if !ok {
		return nil, ErrWindowNotFound
	}
	return &w, nil
}

func (s *MemoryStore) ListLogEntries(ctx context.Context, filter LogFilter) ([]contracts.ExecutionLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contracts.ExecutionLogEntry
	for _, e := range s.entries {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context) (ChainHead, error) {
	if err := ctx.Err(); err != nil {
		return ChainHead{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}
