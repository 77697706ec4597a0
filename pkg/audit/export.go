// Package audit packages execution log entries into portable evidence packs
// for compliance reporting, and uploads them to object storage.
package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/credentialmate/rules/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when the requested period is inverted.
	ErrInvalidTimeRange = errors.New("audit: since must be before until")
	// ErrNoEntries is returned when nothing matches the export request.
	ErrNoEntries = errors.New("audit: no execution log entries match the request")
)

// ExportRequest selects the execution log entries to export. A zero field
// matches everything.
type ExportRequest struct {
	ProviderID string    `json:"provider_id,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
}

// Manifest describes the contents of an evidence pack.
type Manifest struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	ProviderID    string         `json:"provider_id,omitempty"`
	PeriodStart   time.Time      `json:"period_start,omitempty"`
	PeriodEnd     time.Time      `json:"period_end,omitempty"`
	EntryCount    int            `json:"entry_count"`
	FirstSequence uint64         `json:"first_sequence"`
	LastSequence  uint64         `json:"last_sequence"`
	ChainHead     store.ChainHead `json:"chain_head"`
}

// Exporter builds evidence packs from the execution log.
type Exporter struct {
	store store.Store
	now   func() time.Time
}

func NewExporter(s store.Store) *Exporter {
	return &Exporter{store: s, now: time.Now}
}

// GeneratePack builds a zip with the matching log entries and a manifest,
// returning the archive bytes and their SHA-256 checksum. Entry hashes
// inside the pack stay verifiable offline against the manifest's chain head.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.Since.IsZero() && !req.Until.IsZero() && req.Since.After(req.Until) {
		return nil, "", ErrInvalidTimeRange
	}

	entries, err := e.store.ListLogEntries(ctx, store.LogFilter{
		ProviderID: req.ProviderID,
		Since:      req.Since,
		Until:      req.Until,
	})
	if err != nil {
		return nil, "", fmt.Errorf("audit: list entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, "", ErrNoEntries
	}
	head, err := e.store.Head(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("audit: read chain head: %w", err)
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal entries: %w", err)
	}
	manifest := Manifest{
		GeneratedAt:   e.now().UTC(),
		ProviderID:    req.ProviderID,
		PeriodStart:   req.Since,
		PeriodEnd:     req.Until,
		EntryCount:    len(entries),
		FirstSequence: entries[0].Sequence,
		LastSequence:  entries[len(entries)-1].Sequence,
		ChainHead:     head,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"entries.json", entriesJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", fmt.Errorf("audit: create %s: %w", file.name, err)
		}
		if _, err := f.Write(file.data); err != nil {
			return nil, "", fmt.Errorf("audit: write %s: %w", file.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("audit: finalize pack: %w", err)
	}

	packBytes := buf.Bytes()
	sum := sha256.Sum256(packBytes)
	return packBytes, hex.EncodeToString(sum[:]), nil
}

// PackKey names an uploaded evidence pack. Keys sort chronologically.
func PackKey(req ExportRequest, generatedAt time.Time) string {
	scope := req.ProviderID
	if scope == "" {
		scope = "all"
	}
	return fmt.Sprintf("evidence/%s/%s.zip", scope, generatedAt.UTC().Format("20060102T150405Z"))
}
