package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credentialmate/rules/pkg/contracts"
)

func draftEntry(providerID string) contracts.ExecutionLogEntry {
	return contracts.ExecutionLogEntry{
		ProviderID: providerID,
		RulePackVersionsUsed: contracts.VersionPins{
			LicenseVersion: 3, CmeVersion: 2, DeaVersion: 1, CsrVersion: 1,
		},
		InputSnapshot:  json.RawMessage(`{"provider_id":"` + providerID + `"}`),
		OutputSnapshot: json.RawMessage(`{"merged_status":"compliant"}`),
		InputHash:      "1f0e6b9e",
		OutputHash:     "9c2d4b11",
		ExecutedAt:     time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func testWindow(providerID string) *contracts.ComplianceWindow {
	return &contracts.ComplianceWindow{
		ProviderID:        providerID,
		MergedNextDueDate: contracts.NewDate(2025, 9, 30),
		MergedStatus:      contracts.StatusCompliant,
		ComputedAt:        time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStoreCommitChainsEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Commit(ctx, testWindow("prov-1"), draftEntry("prov-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.EntryHash)

	second, err := s.Commit(ctx, testWindow("prov-2"), draftEntry("prov-2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PreviousHash)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChainHead{Sequence: 2, EntryHash: second.EntryHash}, head)

	require.NoError(t, Verify(ctx, s))
}

func TestMemoryStoreWindowUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Commit(ctx, testWindow("prov-1"), draftEntry("prov-1"))
	require.NoError(t, err)

	replaced := testWindow("prov-1")
	replaced.MergedStatus = contracts.StatusUrgent
	_, err = s.Commit(ctx, replaced, draftEntry("prov-1"))
	require.NoError(t, err)

	got, err := s.GetWindow(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusUrgent, got.MergedStatus)

	// Both log entries survive even though the window was replaced.
	entries, err := s.ListLogEntries(ctx, LogFilter{ProviderID: "prov-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryStoreGetWindowNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetWindow(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrWindowNotFound)
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"a", "b", "a", "c", "a"} {
		_, err := s.Commit(ctx, testWindow(id), draftEntry(id))
		require.NoError(t, err)
	}

	byProvider, err := s.ListLogEntries(ctx, LogFilter{ProviderID: "a"})
	require.NoError(t, err)
	assert.Len(t, byProvider, 3)

	limited, err := s.ListLogEntries(ctx, LogFilter{ProviderID: "a", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	bySeq, err := s.ListLogEntries(ctx, LogFilter{StartSeq: 2, EndSeq: 4})
	require.NoError(t, err)
	require.Len(t, bySeq, 3)
	assert.Equal(t, uint64(2), bySeq[0].Sequence)
	assert.Equal(t, uint64(4), bySeq[2].Sequence)
}

func TestFinalizeRejectsMissingSnapshots(t *testing.T) {
	draft := draftEntry("prov-1")
	draft.OutputSnapshot = nil
	_, err := Finalize(draft, ChainHead{})
	assert.ErrorIs(t, err, ErrMissingSnapshot)
}

func TestVerifyEntriesDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 3; i++ {
		_, err := s.Commit(ctx, testWindow("prov-1"), draftEntry("prov-1"))
		require.NoError(t, err)
	}
	entries, err := s.ListLogEntries(ctx, LogFilter{})
	require.NoError(t, err)
	require.NoError(t, VerifyEntries(entries))

	tampered := make([]contracts.ExecutionLogEntry, len(entries))
	copy(tampered, entries)
	tampered[1].OutputHash = "forged"
	assert.ErrorIs(t, VerifyEntries(tampered), ErrChainBroken)

	reordered := []contracts.ExecutionLogEntry{entries[0], entries[2], entries[1]}
	assert.ErrorIs(t, VerifyEntries(reordered), ErrChainBroken)
}

func TestEntryHashCoversPreviousHash(t *testing.T) {
	a := draftEntry("prov-1")
	a.ID = "fixed-id"
	a.Sequence = 1
	a.PreviousHash = GenesisHash
	h1, err := EntryHash(a)
	require.NoError(t, err)

	a.PreviousHash = "something-else"
	h2, err := EntryHash(a)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
