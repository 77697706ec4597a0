package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/credentialmate/rules/pkg/config"
	"github.com/credentialmate/rules/pkg/contracts"
	"github.com/credentialmate/rules/pkg/engine"
)

// runEvalCmd evaluates a single provider snapshot read from a JSON file and
// commits the result to the configured store.
func runEvalCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		snapshotPath string
		snapshotDir  string
		asOfStr      string
		workers      int
		pins         contracts.VersionPins
		jsonOutput   bool
	)
	cmd.StringVar(&snapshotPath, "snapshot", "", "Path to one provider snapshot JSON")
	cmd.StringVar(&snapshotDir, "dir", "", "Directory of snapshot JSON files for a batch run")
	cmd.StringVar(&asOfStr, "as-of", "", "Evaluation date, YYYY-MM-DD (REQUIRED)")
	cmd.IntVar(&workers, "workers", 0, "Batch worker count (0 = GOMAXPROCS)")
	cmd.Int64Var(&pins.LicenseVersion, "license", 0, "License pack version (REQUIRED)")
	cmd.Int64Var(&pins.CmeVersion, "cme", 0, "CME pack version (REQUIRED)")
	cmd.Int64Var(&pins.DeaVersion, "dea", 0, "DEA pack version (REQUIRED)")
	cmd.Int64Var(&pins.CsrVersion, "csr", 0, "CSR pack version (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the full window as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (snapshotPath == "") == (snapshotDir == "") || asOfStr == "" {
		fmt.Fprintln(stderr, "Error: --as-of and exactly one of --snapshot or --dir are required")
		cmd.Usage()
		return 2
	}

	asOf, err := contracts.ParseDate(asOfStr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid --as-of: %v\n", err)
		return 2
	}

	snaps, err := loadSnapshots(snapshotPath, snapshotDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)

	packs, st, closeStores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Store init error: %v\n", err)
		return 1
	}
	defer func() { _ = closeStores() }()

	eng := engine.New(packs, st, logger)

	if len(snaps) == 1 {
		window, entry, err := eng.Recalculate(context.Background(), snaps[0], pins, asOf)
		if err != nil {
			fmt.Fprintf(stderr, "Evaluation failed: %v\n", err)
			return 1
		}
		printWindow(stdout, window, entry, jsonOutput)
		return 0
	}

	results := eng.Batch(context.Background(), snaps, pins, asOf, workers)
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(stderr, "%s: FAILED: %v\n", res.ProviderID, res.Err)
			continue
		}
		fmt.Fprintf(stdout, "%s: %s (due %s, %d gaps)\n",
			res.ProviderID, res.Window.MergedStatus, res.Window.MergedNextDueDate, len(res.Window.Gaps))
	}
	fmt.Fprintf(stdout, "Batch done: %d ok, %d failed\n", len(results)-failed, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

// loadSnapshots reads either one snapshot file or every .json file in a
// directory, in name order.
func loadSnapshots(path, dir string) ([]contracts.ProviderSnapshot, error) {
	var files []string
	if path != "" {
		files = []string{path}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read snapshot dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			files = append(files, filepath.Join(dir, entry.Name()))
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no .json snapshots in %s", dir)
		}
	}

	snaps := make([]contracts.ProviderSnapshot, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", f, err)
		}
		var snap contracts.ProviderSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("parse snapshot %s: %w", f, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func printWindow(stdout io.Writer, window *contracts.ComplianceWindow, entry *contracts.ExecutionLogEntry, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"compliance_window":   window,
			"execution_log_entry": entry,
		}, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return
	}

	fmt.Fprintf(stdout, "Provider:  %s\n", window.ProviderID)
	fmt.Fprintf(stdout, "Status:    %s\n", window.MergedStatus)
	fmt.Fprintf(stdout, "Next due:  %s\n", window.MergedNextDueDate)
	fmt.Fprintf(stdout, "Gaps:      %d\n", len(window.Gaps))
	for _, gap := range window.Gaps {
		fmt.Fprintf(stdout, "  [%s] %s/%s: %s\n", gap.Severity, gap.State, gap.GapType, gap.Description)
	}
	fmt.Fprintf(stdout, "Sequence:  %d\n", entry.Sequence)
	fmt.Fprintf(stdout, "Hash:      %s\n", entry.EntryHash)
}
