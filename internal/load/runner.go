package load

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// statsInterval is how often the runner logs live progress.
const statsInterval = 10 * time.Second

// Runner executes one load scenario against a gateway.
type Runner struct {
	cfg       *Config
	pool      *AudioPool
	collector *Collector
	logger    *slog.Logger
}

// NewRunner validates cfg and prepares the audio pool.
func NewRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := NewAudioPool(cfg.AudioDir, cfg.SampleRate, cfg.Selection)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:       cfg,
		pool:      pool,
		collector: NewCollector(),
		logger:    logger,
	}, nil
}

// Run ramps users up, holds the plateau, and aggregates the report. A
// cancelled ctx (e.g., Ctrl+C) stops the run early but still produces a
// report from the samples collected so far.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	sc := r.cfg.Scenario
	started := time.Now()
	r.logger.Info("load run starting",
		slog.String("scenario", sc.Name),
		slog.String("target", r.cfg.Target),
		slog.Int("users", sc.Users),
		slog.Int("utterances", r.pool.Len()),
	)

	runCtx := ctx
	if sc.Hold > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, sc.Ramp+sc.Hold)
		defer cancel()
	}

	statsDone := make(chan struct{})
	go r.liveStats(runCtx, statsDone)

	var interval time.Duration
	if sc.Users > 1 && sc.Ramp > 0 {
		interval = sc.Ramp / time.Duration(sc.Users)
	}

	var g errgroup.Group
	for i := 0; i < sc.Users; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-runCtx.Done():
			}
		}
		if runCtx.Err() != nil {
			break
		}
		w := &worker{
			id:        i,
			cfg:       r.cfg,
			pool:      r.pool,
			collector: r.collector,
			logger:    r.logger,
		}
		g.Go(func() error {
			w.run(runCtx)
			return nil
		})
	}
	_ = g.Wait()
	close(statsDone)

	report := r.collector.Report(sc.Name, r.cfg.Target, started, time.Now())
	if r.cfg.Output != "" {
		if err := report.WriteJSON(r.cfg.Output); err != nil {
			r.logger.Error("report write failed", slog.String("path", r.cfg.Output), slog.Any("err", err))
		} else {
			r.logger.Info("report written", slog.String("path", r.cfg.Output))
		}
	}

	r.logger.Info("load run finished",
		slog.Int("requests", report.Requests),
		slog.Int("failures", report.Failures),
		slog.Float64("success_rate", report.SuccessRate),
		slog.Float64("e2e_p95_seconds", report.E2ELatency.P95),
	)
	return report, nil
}

// Passed reports whether the run met the success threshold.
func (r *Runner) Passed(report *Report) bool {
	return report.Requests > 0 && report.SuccessRate >= r.cfg.SuccessThreshold
}

// liveStats logs running totals until the run ends.
func (r *Runner) liveStats(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			requests, failures := r.collector.Counts()
			r.logger.Info("progress",
				slog.Int("requests", requests),
				slog.Int("failures", failures),
			)
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}
