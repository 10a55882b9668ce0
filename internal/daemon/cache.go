package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"coralnode/internal/payments"
	"coralnode/internal/registry"
	"coralnode/internal/store"
)

// LoadCaches restores the node list and the vote ledger from disk and runs
// the cleanup sweep over what was loaded. A missing or damaged file leaves
// the component empty.
func (r *Runner) LoadCaches() {
	var snap registry.Snapshot
	if res, err := r.regCache.Read(&snap); res == store.Ok {
		r.Registry.Restore(snap)
		removed := r.Registry.CheckAndRemove(false)
		r.log.Info("node cache loaded", zap.Int("nodes", r.Registry.Size()), zap.Int("removed", removed))
	} else {
		r.log.Info("node cache not loaded, starting empty", zap.Stringer("result", res), zap.Error(err))
	}

	var votes payments.Snapshot
	if res, err := r.payCache.Read(&votes); res == store.Ok {
		r.Votes.Restore(votes)
		cleaned := r.Votes.CleanPaymentList()
		n, blocks := r.Votes.Counts()
		r.log.Info("payment cache loaded", zap.Int("votes", n), zap.Int("blocks", blocks), zap.Int("removed", cleaned))
	} else {
		r.log.Info("payment cache not loaded, starting empty", zap.Stringer("result", res), zap.Error(err))
	}
}

// DumpCaches writes both cache files in parallel.
func (r *Runner) DumpCaches(ctx context.Context) error {
	var regErr, payErr error
	group := r.pool.NewGroupContext(ctx)
	group.Submit(func() {
		regErr = r.regCache.Dump(r.Registry.Snapshot())
	})
	group.Submit(func() {
		payErr = r.payCache.Dump(r.Votes.Snapshot())
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return fmt.Errorf("dump caches: %w", err)
	}
	if err := errors.Join(regErr, payErr); err != nil {
		return err
	}
	r.log.Debug("caches written", zap.String("dir", r.DataDir))
	return nil
}
