package bridge

import (
	"context"
	"time"

	"github.com/timzifer/smartmeter-bridge/internal/meter"
)

// ticker fires on a fixed period, independent of how long a tick took.
type ticker struct {
	interval time.Duration
	t        *time.Ticker
}

func newTicker(interval time.Duration) *ticker {
	if interval <= 0 {
		interval = meter.DefaultTickInterval
	}
	return &ticker{interval: interval}
}

// Wait blocks until the next period elapses or ctx is done.
func (t *ticker) Wait(ctx context.Context) (time.Time, error) {
	if t.t == nil {
		t.t = time.NewTicker(t.interval)
	}
	select {
	case <-ctx.Done():
		t.t.Stop()
		t.t = nil
		return time.Time{}, ctx.Err()
	case now := <-t.t.C:
		return now, nil
	}
}
