package engine

import (
	"context"
	"runtime"
	"sync"

	"github.com/credentialmate/rules/pkg/contracts"
)

// BatchResult is the per-provider outcome of a batch run.
type BatchResult struct {
	ProviderID string
	Window     *contracts.ComplianceWindow
	Entry      *contracts.ExecutionLogEntry
	Err        error
}

// Batch recalculates a set of providers concurrently. Each provider is an
// independent unit: a failed run records its error in the result and the
// rest of the batch proceeds. Results come back in input order.
//
// workers caps pipeline concurrency; values below one fall back to the
// number of CPUs.
func (e *Engine) Batch(ctx context.Context, snaps []contracts.ProviderSnapshot, pins contracts.VersionPins, asOf contracts.Date, workers int) []BatchResult {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(snaps) {
		workers = len(snaps)
	}

	results := make([]BatchResult, len(snaps))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				snap := snaps[i]
				window, entry, err := e.Recalculate(ctx, snap, pins, asOf)
				results[i] = BatchResult{
					ProviderID: snap.ProviderID,
					Window:     window,
					Entry:      entry,
					Err:        err,
				}
				if err != nil {
					e.logger.WarnContext(ctx, "provider recalculation failed",
						"provider_id", snap.ProviderID, "error", err)
				}
			}
		}()
	}

	for i := range snaps {
		select {
		case jobs <- i:
		case <-ctx.Done():
			results[i] = BatchResult{ProviderID: snaps[i].ProviderID, Err: ctx.Err()}
		}
	}
	close(jobs)
	wg.Wait()
	return results
}
