// Package balance tracks whether the wallet can still pay for requests. The
// core consumes only a boolean "empty" signal; actual balance polling is
// delegated to an injected checker.
package balance

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Checker reports whether the wallet is empty. Supplied by the host.
type Checker func(ctx context.Context) (empty bool, err error)

// Monitor periodically polls a Checker and exposes the latest answer. Poll
// failures leave the previous value in place.
type Monitor struct {
	check    Checker
	interval time.Duration
	empty    atomic.Bool
}

func NewMonitor(check Checker, interval time.Duration) *Monitor {
	return &Monitor{check: check, interval: interval}
}

// Empty reports the last observed wallet-empty state.
func (m *Monitor) Empty() bool { return m.empty.Load() }

// SetEmpty overrides the flag directly, for hosts that push the signal
// instead of polling.
func (m *Monitor) SetEmpty(v bool) { m.empty.Store(v) }

// Run polls until ctx is cancelled. An immediate first poll runs before the
// ticker starts.
func (m *Monitor) Run(ctx context.Context) {
	if m.check == nil {
		return
	}
	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	empty, err := m.check(ctx)
	if err != nil {
		slog.Warn("balance check failed", "error", err)
		return
	}
	prev := m.empty.Swap(empty)
	if prev != empty {
		slog.Info("wallet state changed", "empty", empty)
	}
}
