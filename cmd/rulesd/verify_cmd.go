package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/credentialmate/rules/pkg/config"
	"github.com/credentialmate/rules/pkg/store"
)

// runVerifyCmd replays the full execution log hash chain and reports
// whether it is intact.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
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
	head, err := st.Head(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading chain head: %v\n", err)
		return 1
	}

	verifyErr := store.Verify(ctx, st)

	if jsonOutput {
		result := map[string]any{
			"valid":         verifyErr == nil,
			"head_sequence": head.Sequence,
		}
		if verifyErr != nil {
			result["error"] = verifyErr.Error()
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if verifyErr != nil {
		fmt.Fprintf(stderr, "Verification failed: %v\n", verifyErr)
	} else {
		fmt.Fprintf(stdout, "Chain verified: %d entries\n", head.Sequence)
	}

	if verifyErr != nil {
		return 1
	}
	return 0
}
