package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"coralnode/internal/params"
	"coralnode/internal/payments"
)

const (
	// Every job gets this long before its context is cancelled.
	jobTimeout = 25 * time.Second
	// The local node votes this many blocks past a new tip.
	voteAhead = 10
)

// StartScheduler registers the periodic jobs and starts the cron runner.
func (r *Runner) StartScheduler() error {
	logger := cron.PrintfLogger(zap.NewStdLog(r.log.Named("cron")))
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	jobs := []struct {
		spec string
		fn   func(ctx context.Context)
	}{
		{"@every 1s", func(context.Context) { r.Tick() }},
		{fmt.Sprintf("@every %ds", params.PingSeconds), r.manageLocal},
		{"@every 1m", func(context.Context) { r.Sweep() }},
		{"@every 30s", func(context.Context) { r.conns.tick() }},
		{"@every 10s", func(context.Context) { r.writeMetrics() }},
		{"@every " + r.dumpEvery.String(), func(ctx context.Context) {
			if err := r.DumpCaches(ctx); err != nil {
				r.log.Warn("cache dump failed", zap.Error(err))
			}
		}},
	}
	for _, j := range jobs {
		fn := j.fn
		if _, err := c.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(r.ctx, jobTimeout)
			defer cancel()
			fn(ctx)
		}); err != nil {
			return fmt.Errorf("schedule %q: %w", j.spec, err)
		}
	}
	r.cron = c
	c.Start()
	r.log.Info("scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// StopScheduler stops the cron runner and waits for running jobs.
func (r *Runner) StopScheduler() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
}

// Tick advances sync by one step and reacts to a new chain tip.
func (r *Runner) Tick() {
	r.Sync.Process()
	r.checkTip()
}

// checkTip lets the local node vote when the tip moved since the last
// call.
func (r *Runner) checkTip() {
	h := r.Env.TipHeight()
	r.tipMu.Lock()
	moved := h >= 0 && h != r.lastTip
	r.lastTip = h
	r.tipMu.Unlock()
	if !moved || !r.Sync.IsBlockchainSynced() {
		return
	}
	target := h + voteAhead
	if err := r.Votes.ProcessBlock(target); err != nil && !errors.Is(err, payments.ErrNotServiceNode) {
		r.log.Debug("no local vote", zap.Int("height", target), zap.Error(err))
	}
}

func (r *Runner) manageLocal(ctx context.Context) {
	r.Local.ManageStatus(ctx)
}

// Sweep expires nodes, ages out votes and peers, and refreshes gauges.
func (r *Runner) Sweep() {
	removed := r.Registry.CheckAndRemove(false)
	cleaned := r.Votes.CleanPaymentList()
	pruned := r.Peers.Prune(time.Unix(r.Env.Now(), 0))
	r.Metrics.SetPeers(len(r.set.ready()))
	r.Metrics.SetNodes(r.Registry.Size(), r.Registry.CountEnabled(-1))
	if removed+cleaned+pruned > 0 {
		r.log.Debug("sweep", zap.Int("nodes_removed", removed), zap.Int("votes_removed", cleaned), zap.Int("peers_pruned", pruned))
	}
}

func (r *Runner) writeMetrics() {
	if err := r.Metrics.WriteSnapshot(filepath.Join(r.DataDir, metricsFile)); err != nil {
		r.limit.Debug(r.log, "metrics", "metrics snapshot failed", zap.Error(err))
	}
}
