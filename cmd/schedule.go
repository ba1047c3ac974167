package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/intel"
	"github.com/sells-group/visibility-cli/internal/model"
)

// batchStarter starts a scan batch; an empty id list means every entity.
type batchStarter interface {
	Run(ctx context.Context, entityIDs []string, scanDate time.Time) (model.ScanBatchResult, error)
}

// scheduler runs the recurring batch and ingest jobs.
type scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	scans  batchStarter
	engine *intel.Engine
	source intel.ScanSource
	now    func() time.Time
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

// newScheduler registers the jobs whose spec is non-empty. Jobs run in UTC,
// and a job still running when its next tick fires is skipped.
func newScheduler(ctx context.Context, scans batchStarter, engine *intel.Engine, source intel.ScanSource, batchSpec, ingestSpec string) (*scheduler, error) {
	logger := cronLogger{l: zap.L().Sugar()}
	s := &scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		scans:  scans,
		engine: engine,
		source: source,
		now:    time.Now,
	}

	if batchSpec != "" {
		if _, err := s.cron.AddFunc(batchSpec, s.runBatch); err != nil {
			return nil, eris.Wrapf(err, "schedule: batch spec %q", batchSpec)
		}
	}
	if ingestSpec != "" {
		if _, err := s.cron.AddFunc(ingestSpec, s.runIngest); err != nil {
			return nil, eris.Wrapf(err, "schedule: ingest spec %q", ingestSpec)
		}
	}
	if len(s.cron.Entries()) == 0 {
		return nil, eris.New("schedule: no jobs configured")
	}
	return s, nil
}

func (s *scheduler) runBatch() {
	if s.ctx.Err() != nil {
		return
	}
	zap.L().Info("schedule: starting batch")
	res, err := s.scans.Run(s.ctx, nil, s.now())
	if err != nil {
		zap.L().Error("schedule: batch not started", zap.Error(err))
		return
	}
	zap.L().Info("schedule: batch finished",
		zap.String("batch_id", res.BatchID),
		zap.Bool("success", res.Success),
		zap.Int("processed", res.ProcessedDealers),
		zap.Int("failed", res.FailedDealers),
		zap.Float64("cost_usd", res.TotalCost),
	)
}

func (s *scheduler) runIngest() {
	if s.ctx.Err() != nil {
		return
	}
	snaps, err := s.engine.Ingest(s.ctx, s.source, s.now())
	if err != nil {
		zap.L().Error("schedule: ingest failed", zap.Error(err))
		return
	}
	zap.L().Info("schedule: ingest finished", zap.Int("snapshots", len(snaps)))
}

// run blocks until ctx is done, then waits for running jobs.
func (s *scheduler) run() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		zap.L().Info("schedule: job registered", zap.Time("next", e.Next))
	}
	<-s.ctx.Done()
	zap.L().Info("schedule: stopping")
	<-s.cron.Stop().Done()
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run scan batches and snapshot ingestion on a cron schedule",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "schedule", true)
		if err != nil {
			return err
		}
		defer env.Close()

		env.startMonitoring(ctx)

		s, err := newScheduler(ctx, env.Processor, env.Engine, env.Store, cfg.Schedule.BatchCron, cfg.Schedule.IngestCron)
		if err != nil {
			return err
		}
		s.run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
