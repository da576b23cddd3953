package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/logger"
)

// Runner executes one collection run.
type Runner interface {
	Run(ctx context.Context, w collect.Window) (*collect.Run, error)
}

// Recorder keeps finished runs.
type Recorder interface {
	SaveRun(run *collect.Run)
}

// Scheduler periodically runs a full collection. Each tick is an independent
// run; a tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	recorder  Recorder
	window    func() collect.Window
	interval  time.Duration
	log       *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler. window is evaluated at every tick.
func New(runner Runner, recorder Recorder, window func() collect.Window, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		runner:    runner,
		recorder:  recorder,
		window:    window,
		interval:  interval,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
// A non-positive interval disables scheduling.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.log.Info("scheduler: no interval configured; periodic collection disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(s.tick)
	if err != nil {
		return err
	}

	s.log.Infow("scheduler: started", "interval", s.interval.String())
	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) tick() {
	w := s.window()
	s.log.Infow("scheduler: running collection", "window", w.String())

	run, err := s.runner.Run(s.ctx, w)
	if run != nil && s.recorder != nil {
		s.recorder.SaveRun(run)
	}
	if err != nil {
		s.log.Errorw("scheduler: collection aborted", logger.FieldError, err.Error())
		return
	}
	s.log.Infow("scheduler: completed collection",
		logger.FieldRunID, run.ID, "summary", run.Report.Summary())
}

// Stop cancels the running collection, if any, and any future jobs.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
