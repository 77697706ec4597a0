package rulepack

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/credentialmate/rules/pkg/contracts"
)

// MemoryStore is an in-memory Store used by tests and single-process tools.
type MemoryStore struct {
	mu    sync.RWMutex
	packs map[contracts.RuleType]map[int64]*contracts.RulePack
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packs: make(map[contracts.RuleType]map[int64]*contracts.RulePack)}
}

// Publish validates and registers a pack. Duplicate versions are rejected.
func (s *MemoryStore) Publish(pack *contracts.RulePack) error {
	if err := Validate(pack); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion := s.packs[pack.RuleType]
	if byVersion == nil {
		byVersion = make(map[int64]*contracts.RulePack)
		s.packs[pack.RuleType] = byVersion
	}
	if _, exists := byVersion[pack.Version]; exists {
		return fmt.Errorf("rule pack %s/%d already published", pack.RuleType, pack.Version)
	}
	byVersion[pack.Version] = pack
	return nil
}

func (s *MemoryStore) Load(_ context.Context, ruleType contracts.RuleType, version int64) (*contracts.RulePack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pack, ok := s.packs[ruleType][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, ruleType, version)
	}
	return pack, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, ruleType contracts.RuleType) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var versions []int64
	for v := range s.packs[ruleType] {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
