package rulepack

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/credentialmate/rules/pkg/contracts"
)

// FSStore reads rule packs from a directory tree.
// Layout: <root>/<rule_type>/<version>.json, one JSON envelope per file.
// Published files are never rewritten, so no locking is needed beyond what
// the filesystem provides.
type FSStore struct {
	rootDir string
}

// NewFSStore creates a store rooted at rootDir.
func NewFSStore(rootDir string) *FSStore {
	return &FSStore{rootDir: rootDir}
}

func (s *FSStore) Load(_ context.Context, ruleType contracts.RuleType, version int64) (*contracts.RulePack, error) {
	if !ruleType.Valid() {
		return nil, fmt.Errorf("%w: unknown rule_type %q", ErrMalformedPack, ruleType)
	}
	path := filepath.Join(s.rootDir, string(ruleType), fmt.Sprintf("%d.json", version))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, ruleType, version)
		}
		return nil, fmt.Errorf("read rule pack %s/%d: %w", ruleType, version, err)
	}

	var pack contracts.RulePack
	if err := json.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("%w: %s version %d: %v", ErrMalformedPack, ruleType, version, err)
	}
	if pack.RuleType != ruleType || pack.Version != version {
		return nil, fmt.Errorf("%w: envelope of %s/%d declares (%s, %d)",
			ErrMalformedPack, ruleType, version, pack.RuleType, pack.Version)
	}
	if err := Validate(&pack); err != nil {
		return nil, err
	}
	return &pack, nil
}

func (s *FSStore) ListVersions(_ context.Context, ruleType contracts.RuleType) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(s.rootDir, string(ruleType)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list rule packs for %s: %w", ruleType, err)
	}

	var versions []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil || v <= 0 {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
