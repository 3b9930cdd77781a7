package pool

import (
	"context"
	"time"
)

// PoolHealth reports one pool's connection statistics and, when pinged, the
// SELECT 1 round-trip latency.
type PoolHealth struct {
	TenantID    string        `json:"tenantId"`
	Shared      bool          `json:"shared,omitempty"`
	State       State         `json:"state"`
	TotalConns  int32         `json:"totalConns"`
	IdleConns   int32         `json:"idleConns"`
	Waiting     int64         `json:"waitingRequests"`
	PingLatency time.Duration `json:"pingLatency,omitempty"`
	OK          bool          `json:"ok"`
	Error       string        `json:"error,omitempty"`
}

// HealthOptions selects what HealthCheck probes.
type HealthOptions struct {
	// TenantIDs limits the check; empty means every cached pool.
	TenantIDs []string
	// Ping issues SELECT 1 on each checked pool and records its latency.
	Ping bool
	// IncludeShared also checks the shared pool (creating it if needed).
	IncludeShared bool
}

// Overall health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthReport aggregates per-pool health.
type HealthReport struct {
	Status string       `json:"status"` // healthy | degraded
	Pools  []PoolHealth `json:"pools"`
}

// HealthCheck reports connection statistics for cached tenant pools and
// optionally the shared pool. Overall status is healthy iff every checked
// pool is ok.
func (m *Manager) HealthCheck(ctx context.Context, opts HealthOptions) HealthReport {
	ids := opts.TenantIDs
	if len(ids) == 0 {
		ids = m.cache.ActiveIDs()
	}

	report := HealthReport{Status: StatusHealthy}
	for _, id := range ids {
		h := m.checkOne(ctx, id, opts.Ping)
		if !h.OK {
			report.Status = StatusDegraded
		}
		report.Pools = append(report.Pools, h)
	}

	if opts.IncludeShared {
		h := PoolHealth{TenantID: "shared", Shared: true, State: StateReady}
		pool, err := m.SharedDB(ctx)
		if err != nil {
			h.State = StateErrored
			h.Error = err.Error()
		} else {
			stat := pool.Stat()
			h.TotalConns = stat.TotalConns()
			h.IdleConns = stat.IdleConns()
			h.Waiting = stat.EmptyAcquireCount()
			h.OK = true
			if opts.Ping {
				h.OK = m.pingPool(ctx, pool, &h)
			}
		}
		if !h.OK {
			report.Status = StatusDegraded
		}
		report.Pools = append(report.Pools, h)
	}
	return report
}

func (m *Manager) checkOne(ctx context.Context, tenantID string, ping bool) PoolHealth {
	h := PoolHealth{TenantID: tenantID, State: StateReady}

	m.cache.mu.Lock()
	e, ok := m.cache.entries[tenantID]
	if ok {
		h.State = e.state
	}
	m.cache.mu.Unlock()

	if !ok {
		h.State = StateDisposed
		h.Error = "no cached pool"
		return h
	}

	pool, err := m.cache.GetOrCreate(ctx, tenantID)
	if err != nil {
		h.State = StateErrored
		h.Error = err.Error()
		return h
	}

	stat := pool.Stat()
	h.TotalConns = stat.TotalConns()
	h.IdleConns = stat.IdleConns()
	h.Waiting = stat.EmptyAcquireCount()
	h.OK = true
	if ping {
		h.OK = m.pingPool(ctx, pool, &h)
	}
	return h
}

func (m *Manager) pingPool(ctx context.Context, p pinger, h *PoolHealth) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(probeCtx)
	h.PingLatency = time.Since(start)
	if err != nil {
		h.State = StateErrored
		h.Error = err.Error()
		return false
	}
	return true
}

type pinger interface {
	Ping(ctx context.Context) error
}
