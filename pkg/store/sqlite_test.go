package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credentialmate/rules/pkg/contracts"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// The in-memory database disappears if the pool opens a second
	// connection, so pin it to one.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLiteStoreCommitAndReload(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	first, err := s.Commit(ctx, testWindow("prov-1"), draftEntry("prov-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PreviousHash)

	second, err := s.Commit(ctx, testWindow("prov-1"), draftEntry("prov-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PreviousHash)

	window, err := s.GetWindow(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, "prov-1", window.ProviderID)
	assert.Equal(t, contracts.NewDate(2025, 9, 30), window.MergedNextDueDate)

	require.NoError(t, Verify(ctx, s))
}

func TestSQLiteStoreRoundTripsEntries(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	committed, err := s.Commit(ctx, testWindow("prov-1"), draftEntry("prov-1"))
	require.NoError(t, err)

	entries, err := s.ListLogEntries(ctx, LogFilter{ProviderID: "prov-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]

	assert.Equal(t, committed.ID, got.ID)
	assert.Equal(t, committed.EntryHash, got.EntryHash)
	assert.Equal(t, committed.RulePackVersionsUsed, got.RulePackVersionsUsed)
	assert.JSONEq(t, string(committed.InputSnapshot), string(got.InputSnapshot))
	assert.True(t, committed.ExecutedAt.Equal(got.ExecutedAt))

	recomputed, err := EntryHash(got)
	require.NoError(t, err)
	assert.Equal(t, got.EntryHash, recomputed)
}

func TestSQLiteStoreRejectsMutation(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.Commit(ctx, testWindow("prov-1"), draftEntry("prov-1"))
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE execution_log SET output_hash = 'forged' WHERE sequence = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	_, err = s.db.ExecContext(ctx, `DELETE FROM execution_log WHERE sequence = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestSQLiteStoreGetWindowNotFound(t *testing.T) {
	s := newSQLiteStore(t)
	_, err := s.GetWindow(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrWindowNotFound)
}

func TestSQLiteStoreListFilters(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	for _, id := range []string{"a", "b", "a"} {
		_, err := s.Commit(ctx, testWindow(id), draftEntry(id))
		require.NoError(t, err)
	}

	byProvider, err := s.ListLogEntries(ctx, LogFilter{ProviderID: "a"})
	require.NoError(t, err)
	require.Len(t, byProvider, 2)
	assert.Equal(t, uint64(1), byProvider[0].Sequence)
	assert.Equal(t, uint64(3), byProvider[1].Sequence)

	limited, err := s.ListLogEntries(ctx, LogFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
