package quota

import (
	"context"
	"log/slog"
	"math"

	"github.com/krezk/herald/internal/transport"
)

// Snapshot describes the current state of the daily send allowance.
type Snapshot struct {
	Total      int `json:"total"`
	Used       int `json:"used"`
	Remaining  int `json:"remaining"`
	Percentage int `json:"percentage"`
}

// MaxSource returns the configured daily send limit.
type MaxSource func(ctx context.Context) (int, error)

// Fallback is called when the transport cannot report its remaining
// allowance. It gives the caller a chance to record the failure.
type Fallback func(err error)

// Tracker derives quota snapshots from the transport's remaining count.
type Tracker struct {
	transport transport.Transport
	maxPerDay MaxSource
	onFailure Fallback
	logger    *slog.Logger
}

// New creates a quota tracker.
func New(t transport.Transport, maxPerDay MaxSource, onFailure Fallback, logger *slog.Logger) *Tracker {
	return &Tracker{
		transport: t,
		maxPerDay: maxPerDay,
		onFailure: onFailure,
		logger:    logger.With("component", "quota"),
	}
}

// Snapshot returns the current quota state. When the transport cannot
// report its remaining allowance the tracker assumes the full limit is
// still available so sending is never blocked by a stale reading.
func (t *Tracker) Snapshot(ctx context.Context) Snapshot {
	max, err := t.maxPerDay(ctx)
	if err != nil {
		t.logger.Warn("failed to read daily limit", "error", err)
		max = 0
	}

	remaining, err := t.transport.RemainingDailyQuota(ctx)
	if err != nil {
		t.logger.Warn("quota query failed, assuming full allowance", "error", err)
		if t.onFailure != nil {
			t.onFailure(err)
		}
		return Snapshot{Total: max, Used: 0, Remaining: max, Percentage: 100}
	}

	if remaining < 0 {
		remaining = 0
	}
	if remaining > max {
		remaining = max
	}

	used := max - remaining
	pct := 0
	if max > 0 {
		pct = int(math.Round(float64(remaining) / float64(max) * 100))
	}

	return Snapshot{Total: max, Used: used, Remaining: remaining, Percentage: pct}
}
