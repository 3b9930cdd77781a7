package migrate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRunBatchCounts(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	res := RunBatch(context.Background(), ids, BatchOptions{Concurrency: 2}, func(ctx context.Context, id string) TenantResult {
		if id == "c" {
			return TenantResult{TenantID: id, Error: "boom", Kind: KindSQLFailure}
		}
		return TenantResult{TenantID: id, Success: true}
	})

	if res.Total != 4 || res.Succeeded != 3 || res.Failed != 1 || res.Skipped != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Succeeded+res.Failed+res.Skipped != res.Total {
		t.Fatalf("counts do not add up: %+v", res)
	}
}

func TestRunBatchDetailsPreserveOrder(t *testing.T) {
	ids := []string{"t3", "t1", "t2"}
	res := RunBatch(context.Background(), ids, BatchOptions{Concurrency: 3}, func(ctx context.Context, id string) TenantResult {
		return TenantResult{TenantID: id, Success: true}
	})
	for i, id := range ids {
		if res.Details[i].TenantID != id {
			t.Fatalf("details[%d] = %s, want %s", i, res.Details[i].TenantID, id)
		}
	}
}

func TestRunBatchDedupes(t *testing.T) {
	var calls atomic.Int32
	res := RunBatch(context.Background(), []string{"a", "a", "b", "a"}, BatchOptions{}, func(ctx context.Context, id string) TenantResult {
		calls.Add(1)
		return TenantResult{TenantID: id, Success: true}
	})

	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if res.Total != 4 || res.Succeeded != 2 || res.Skipped != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, i := range []int{1, 3} {
		d := res.Details[i]
		if d.TenantID != "a" || !d.Skipped {
			t.Fatalf("details[%d] = %+v, want skipped duplicate of a", i, d)
		}
	}
}

func TestRunBatchAbortSkipsRemainder(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%02d", i)
	}
	res := RunBatch(context.Background(), ids, BatchOptions{
		Concurrency: 1,
		OnError:     func(string, string) Decision { return Abort },
	}, func(ctx context.Context, id string) TenantResult {
		if id == "t02" {
			return TenantResult{TenantID: id, Error: "boom"}
		}
		return TenantResult{TenantID: id, Success: true}
	})

	if res.Failed != 1 {
		t.Fatalf("failed = %d, want 1", res.Failed)
	}
	if res.Skipped == 0 {
		t.Fatal("expected skipped tenants after abort")
	}
	if res.Succeeded+res.Failed+res.Skipped != res.Total {
		t.Fatalf("counts do not add up: %+v", res)
	}
	for _, d := range res.Details {
		if d.Skipped && d.Success {
			t.Fatalf("tenant %s both skipped and succeeded", d.TenantID)
		}
	}
}

func TestRunBatchContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := RunBatch(ctx, []string{"a", "b", "c"}, BatchOptions{}, func(ctx context.Context, id string) TenantResult {
		t.Errorf("fn called for %s after cancel", id)
		return TenantResult{TenantID: id}
	})
	if res.Skipped != 3 {
		t.Fatalf("skipped = %d, want 3", res.Skipped)
	}
}

func TestRunBatchConcurrencyBound(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	RunBatch(context.Background(), []string{"a", "b", "c", "d", "e", "f"}, BatchOptions{Concurrency: 2}, func(ctx context.Context, id string) TenantResult {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()

		mu.Lock()
		active--
		mu.Unlock()
		return TenantResult{TenantID: id, Success: true}
	})
	if maxSeen > 2 {
		t.Fatalf("observed %d concurrent workers, bound is 2", maxSeen)
	}
}

func TestRunBatchProgressPhases(t *testing.T) {
	var mu sync.Mutex
	phases := map[string][]string{}
	RunBatch(context.Background(), []string{"ok", "bad"}, BatchOptions{
		Concurrency: 1,
		OnProgress: func(id, phase, detail string) {
			mu.Lock()
			phases[id] = append(phases[id], phase)
			mu.Unlock()
		},
	}, func(ctx context.Context, id string) TenantResult {
		if id == "bad" {
			return TenantResult{TenantID: id, Error: "boom"}
		}
		return TenantResult{TenantID: id, Success: true}
	})

	last := func(id string) string { p := phases[id]; return p[len(p)-1] }
	if last("ok") != PhaseCompleted {
		t.Fatalf("ok phases = %v", phases["ok"])
	}
	if last("bad") != PhaseFailed {
		t.Fatalf("bad phases = %v", phases["bad"])
	}
}
