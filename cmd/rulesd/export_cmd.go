package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/credentialmate/rules/pkg/audit"
	"github.com/credentialmate/rules/pkg/config"
)

// runExportCmd builds an evidence pack from the execution log, writes it to
// a local file, and optionally uploads it to object storage.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		providerID string
		sinceStr   string
		untilStr   string
		outPath    string
		upload     string
		jsonOutput bool
	)
	cmd.StringVar(&providerID, "provider", "", "Limit the pack to one provider")
	cmd.StringVar(&sinceStr, "since", "", "Period start, RFC 3339")
	cmd.StringVar(&untilStr, "until", "", "Period end, RFC 3339")
	cmd.StringVar(&outPath, "out", "", "Output path for the zip pack (REQUIRED unless --upload)")
	cmd.StringVar(&upload, "upload", "", "Upload target: s3 or gcs (uses evidence config)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if outPath == "" && upload == "" {
		fmt.Fprintln(stderr, "Error: --out or --upload is required")
		cmd.Usage()
		return 2
	}

	req := audit.ExportRequest{ProviderID: providerID}
	if sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			fmt.Fprintf(stderr, "Error: invalid --since: %v\n", err)
			return 2
		}
		req.Since = t
	}
	if untilStr != "" {
		t, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			fmt.Fprintf(stderr, "Error: invalid --until: %v\n", err)
			return 2
		}
		req.Until = t
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}

	_, st, closeStores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Store init error: %v\n", err)
		return 1
	}
	defer func() { _ = closeStores() }()

	ctx := context.Background()
	exporter := audit.NewExporter(st)
	pack, checksum, err := exporter.GeneratePack(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}

	var location string
	if outPath != "" {
		if err := os.WriteFile(outPath, pack, 0o644); err != nil {
			fmt.Fprintf(stderr, "Error writing pack: %v\n", err)
			return 1
		}
		location = outPath
	}

	if upload != "" {
		uploader, err := newUploader(ctx, upload, cfg)
		if err != nil {
			fmt.Fprintf(stderr, "Uploader init failed: %v\n", err)
			return 1
		}
		key := audit.PackKey(req, time.Now().UTC())
		location, err = uploader.Upload(ctx, key, pack)
		if err != nil {
			fmt.Fprintf(stderr, "Upload failed: %v\n", err)
			return 1
		}
	}

	if jsonOutput {
		result := map[string]any{
			"location": location,
			"checksum": checksum,
			"size":     len(pack),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "Evidence pack written: %s (%d bytes, sha256 %s)\n", location, len(pack), checksum)
	}
	return 0
}

func newUploader(ctx context.Context, target string, cfg *config.Config) (audit.Uploader, error) {
	switch target {
	case "s3":
		if cfg.Evidence.S3Bucket == "" {
			return nil, fmt.Errorf("evidence S3 bucket not configured")
		}
		return audit.NewS3Uploader(ctx, audit.S3Config{
			Bucket:   cfg.Evidence.S3Bucket,
			Region:   cfg.Evidence.S3Region,
			Endpoint: cfg.Evidence.S3Endpoint,
			Prefix:   cfg.Evidence.S3Prefix,
		})
	case "gcs":
		if cfg.Evidence.GCSBucket == "" {
			return nil, fmt.Errorf("evidence GCS bucket not configured")
		}
		return audit.NewGCSUploader(ctx, cfg.Evidence.GCSBucket, cfg.Evidence.GCSPrefix)
	default:
		return nil, fmt.Errorf("unknown upload target %q, want s3 or gcs", target)
	}
}
