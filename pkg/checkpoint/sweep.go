package checkpoint

import (
	"context"
	"os"
	"sync"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

// SweepResult summarizes one expiry pass.
type SweepResult struct {
	Deleted        int
	ReclaimedBytes int64
	Errors         map[int64]error
}

// CleanupExpired deletes every checkpoint past its expiry. Archives are
// removed concurrently; row deletes stay serialized through the store.
// One bad checkpoint never stops the sweep.
func (e *Engine) CleanupExpired(ctx context.Context) (*SweepResult, error) {
	expired, err := e.store.ExpiredCheckpoints(e.now().UTC())
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Errors: map[int64]error{}}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, cp := range expired {
		cp := cp
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := os.Remove(cp.BackupPath); err != nil && !os.IsNotExist(err) {
				mu.Lock()
				res.Errors[cp.ID] = types.Wrap(types.ErrCheckpointFailed, err, "remove archive %s", cp.BackupPath)
				mu.Unlock()
				return nil
			}
			err := e.store.Transaction(func(tx *sqlx.Tx) error {
				return store.DeleteCheckpointTx(tx, cp.ID)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[cp.ID] = err
				return nil
			}
			res.Deleted++
			res.ReclaimedBytes += cp.SizeBytes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if res.Deleted > 0 {
		e.logger.Info().Int("deleted", res.Deleted).
			Int64("reclaimed_bytes", res.ReclaimedBytes).Msg("expired checkpoints swept")
	}
	return res, nil
}
