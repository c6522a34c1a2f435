package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultBroadcastInterval is how often every status is re-emitted.
	DefaultBroadcastInterval = 30 * time.Second
	// DefaultReapInterval is how often stale offline records are reaped.
	DefaultReapInterval = time.Hour
)

// JobConfig sets the schedule of the registry maintenance jobs.
type JobConfig struct {
	BroadcastInterval time.Duration
	ReapInterval      time.Duration
}

// Jobs runs the periodic rebroadcast and reap against a Registry.
type Jobs struct {
	cron     *cron.Cron
	registry *Registry
	logger   *zap.Logger
}

// NewJobs schedules the maintenance jobs for registry. Nothing runs until
// Start is called.
func NewJobs(registry *Registry, cfg JobConfig, logger *zap.Logger) (*Jobs, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}

	j := &Jobs{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		registry: registry,
		logger:   logger,
	}

	if _, err := j.cron.AddFunc(every(cfg.BroadcastInterval), j.broadcast); err != nil {
		return nil, fmt.Errorf("schedule status broadcast: %w", err)
	}
	if _, err := j.cron.AddFunc(every(cfg.ReapInterval), j.reap); err != nil {
		return nil, fmt.Errorf("schedule status reap: %w", err)
	}
	return j, nil
}

// Start begins running the jobs in the background.
func (j *Jobs) Start() {
	j.cron.Start()
	j.logger.Info("Presence jobs started", zap.Int("jobs", len(j.cron.Entries())))
}

// Stop prevents further runs. The returned context is done once running jobs
// have completed.
func (j *Jobs) Stop() context.Context {
	return j.cron.Stop()
}

// Entries reports how many jobs are scheduled.
func (j *Jobs) Entries() int {
	return len(j.cron.Entries())
}

func (j *Jobs) broadcast() {
	j.registry.PeriodicBroadcast()
}

func (j *Jobs) reap() {
	j.registry.ReapStaleStatuses()
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
