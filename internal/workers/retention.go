package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type LogPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneDeliveryLogs removes delivery logs older than retention.
func PruneDeliveryLogs(ctx context.Context, pruner LogPruner, retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention)
	removed, err := pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Worker: pruned delivery logs")
	return removed, nil
}

// RunRetention prunes once immediately and then on every interval until ctx
// is cancelled.
func RunRetention(ctx context.Context, pruner LogPruner, retention, interval time.Duration) {
	prune := func() {
		if _, err := PruneDeliveryLogs(ctx, pruner, retention, time.Now()); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Worker: delivery log pruning failed")
		}
	}

	if interval <= 0 {
		interval = time.Hour
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
