package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credentialmate/rules/pkg/contracts"
	"github.com/credentialmate/rules/pkg/store"
)

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	for i, providerID := range []string{"prov-a", "prov-b", "prov-a"} {
		window := &contracts.ComplianceWindow{
			ProviderID:   providerID,
			MergedStatus: contracts.StatusCompliant,
			ComputedAt:   time.Date(2025, 6, 1+i, 0, 0, 0, 0, time.UTC),
		}
		draft := contracts.ExecutionLogEntry{
			ProviderID:     providerID,
			InputSnapshot:  json.RawMessage(`{"provider_id":"` + providerID + `"}`),
			OutputSnapshot: json.RawMessage(`{"merged_status":"compliant"}`),
			InputHash:      "in", OutputHash: "out",
			ExecutedAt: time.Date(2025, 6, 1+i, 0, 0, 0, 0, time.UTC),
		}
		_, err := st.Commit(context.Background(), window, draft)
		require.NoError(t, err)
	}
	return st
}

func readZipFile(t *testing.T, pack []byte, name string) []byte {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	}
	t.Fatalf("file %s not in pack", name)
	return nil
}

func TestGeneratePackContents(t *testing.T) {
	e := NewExporter(seededStore(t))

	pack, checksum, err := e.GeneratePack(context.Background(), ExportRequest{})
	require.NoError(t, err)

	sum := sha256.Sum256(pack)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	var entries []contracts.ExecutionLogEntry
	require.NoError(t, json.Unmarshal(readZipFile(t, pack, "entries.json"), &entries))
	require.Len(t, entries, 3)
	require.NoError(t, store.VerifyEntries(entries))

	var manifest Manifest
	require.NoError(t, json.Unmarshal(readZipFile(t, pack, "manifest.json"), &manifest))
	assert.Equal(t, 3, manifest.EntryCount)
	assert.Equal(t, uint64(1), manifest.FirstSequence)
	assert.Equal(t, uint64(3), manifest.LastSequence)
	assert.Equal(t, entries[2].EntryHash, manifest.ChainHead.EntryHash)
}

func TestGeneratePackProviderFilter(t *testing.T) {
	e := NewExporter(seededStore(t))

	pack, _, err := e.GeneratePack(context.Background(), ExportRequest{ProviderID: "prov-a"})
	require.NoError(t, err)

	var entries []contracts.ExecutionLogEntry
	require.NoError(t, json.Unmarshal(readZipFile(t, pack, "entries.json"), &entries))
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "prov-a", e.ProviderID)
	}

	var manifest Manifest
	require.NoError(t, json.Unmarshal(readZipFile(t, pack, "manifest.json"), &manifest))
	assert.Equal(t, "prov-a", manifest.ProviderID)
}

func TestGeneratePackNoMatches(t *testing.T) {
	e := NewExporter(seededStore(t))
	_, _, err := e.GeneratePack(context.Background(), ExportRequest{ProviderID: "prov-z"})
	assert.ErrorIs(t, err, ErrNoEntries)
}

func TestGeneratePackInvertedPeriod(t *testing.T) {
	e := NewExporter(seededStore(t))
	_, _, err := e.GeneratePack(context.Background(), ExportRequest{
		Since: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}

func TestPackKey(t *testing.T) {
	at := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "evidence/prov-a/20250615T093000Z.zip", PackKey(ExportRequest{ProviderID: "prov-a"}, at))
	assert.Equal(t, "evidence/all/20250615T093000Z.zip", PackKey(ExportRequest{}, at))
}
