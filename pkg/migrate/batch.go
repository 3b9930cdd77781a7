package migrate

import (
	"context"
	"sync"
)

// Progress phases reported by batch operations.
const (
	PhaseStarting  = "starting"
	PhaseMigrating = "migrating"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// Decision tells the batch runner how to react to a tenant failure.
type Decision string

const (
	// Continue drains the remaining tenants despite the failure.
	Continue Decision = "continue"
	// Abort stops dispatching new tenants; in-flight tenants finish and the
	// remainder is reported skipped.
	Abort Decision = "abort"
)

// BatchOptions tunes the fan-out of a batch operation.
type BatchOptions struct {
	// Concurrency bounds the worker pool; defaults to 10.
	Concurrency int
	// OnProgress receives per-tenant phase transitions.
	OnProgress func(tenantID, phase, detail string)
	// OnError decides whether a tenant failure aborts the batch. Nil means
	// Continue.
	OnError func(tenantID string, errMsg string) Decision
}

// BatchResult aggregates a batch operation. Succeeded+Failed+Skipped always
// equals Total, and Details preserves input order.
type BatchResult struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Details   []TenantResult `json:"details"`
}

// RunBatch fans fn across tenantIDs with a bounded worker pool. Each id runs
// once; repeats are reported skipped (two concurrent migrations of one schema
// are unsupported). Cancelling ctx stops dispatching; tenants already running
// finish and are reported with their real outcome, the rest as skipped.
func RunBatch(ctx context.Context, tenantIDs []string, opts BatchOptions, fn func(ctx context.Context, tenantID string) TenantResult) BatchResult {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	results := make([]TenantResult, len(tenantIDs))
	seen := make(map[string]bool, len(tenantIDs))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		aborted bool
	)
	sem := make(chan struct{}, concurrency)

	progress := func(id, phase, detail string) {
		if opts.OnProgress != nil {
			opts.OnProgress(id, phase, detail)
		}
	}

	for i, id := range tenantIDs {
		if seen[id] {
			results[i] = TenantResult{TenantID: id, Skipped: true, Error: "duplicate tenant id"}
			continue
		}
		seen[id] = true

		mu.Lock()
		stop := aborted
		mu.Unlock()
		if stop || ctx.Err() != nil {
			results[i] = TenantResult{TenantID: id, Skipped: true}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()

			progress(tenantID, PhaseStarting, "")
			progress(tenantID, PhaseMigrating, "")
			res := fn(ctx, tenantID)
			results[idx] = res

			if res.Success {
				progress(tenantID, PhaseCompleted, "")
				return
			}
			progress(tenantID, PhaseFailed, res.Error)
			if opts.OnError != nil && opts.OnError(tenantID, res.Error) == Abort {
				mu.Lock()
				aborted = true
				mu.Unlock()
			}
		}(i, id)
	}
	wg.Wait()

	out := BatchResult{Total: len(tenantIDs), Details: results}
	for _, r := range results {
		switch {
		case r.Skipped:
			out.Skipped++
		case r.Success:
			out.Succeeded++
		default:
			out.Failed++
		}
	}
	return out
}
