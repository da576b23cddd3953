package collect

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/external-factors/internal/logger"
	"github.com/i474232898/external-factors/internal/series"
)

// Run is the outcome of one collection over a window.
type Run struct {
	ID         string                  `json:"id"`
	Window     Window                  `json:"window"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Statuses   []SourceStatus          `json:"statuses"`
	Report     Report                  `json:"report"`
	Tables     map[string]series.Table `json:"-"`
}

// Orchestrator drives gate, fetch, persist and report for every registered source.
type Orchestrator struct {
	registry *Registry
	gate     Gate
	sink     Sink
	workers  int
	log      *zap.SugaredLogger
	now      func() time.Time
	newID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds how many fetches run at once. 1 collects sequentially.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// NewOrchestrator wires a registry to its gate and sink.
func NewOrchestrator(registry *Registry, gate Gate, sink Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		gate:     gate,
		sink:     sink,
		workers:  1,
		log:      logger.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the sources this orchestrator collects.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Run collects every source for w. Per-source failures are recorded in the
// returned Run and never returned as an error. The only error is a failed
// credential gate (marked ErrCredentials), in which case the Run still
// carries an all-Failure report.
func (o *Orchestrator) Run(ctx context.Context, w Window) (*Run, error) {
	if err := w.Validate(); err != nil {
		return nil, errors.Mark(err, ErrInvalidWindow)
	}

	run := &Run{
		ID:        o.newID(),
		Window:    w,
		StartedAt: o.now(),
		Tables:    make(map[string]series.Table),
	}
	log := o.log.With(logger.FieldRunID, run.ID)

	tracker := NewTracker()
	tracker.Initialize(o.registry.Names())

	log.Infow("collection window",
		"start", w.Start.Format(time.DateOnly),
		"end", w.End.Format(time.DateOnly),
		"sources", o.registry.Len(),
		"workers", o.workers)

	section(log, "STEP 0: CHECKING CREDENTIALS")
	if err := o.runGate(ctx); err != nil {
		log.Errorw("credential gate failed; no source will be collected", logger.FieldError, err.Error())
		for _, name := range o.registry.Names() {
			tracker.MarkFailure(name, ReasonCredentials)
		}
		o.finish(run, tracker, log)
		return run, errors.Mark(errors.Wrap(err, "credential gate"), ErrCredentials)
	}

	tables := o.fetchAll(ctx, w, tracker, log)
	for name, t := range tables {
		run.Tables[name] = t
	}

	section(log, "SAVING DATA")
	o.persistAll(context.WithoutCancel(ctx), tables, tracker, log)

	o.finish(run, tracker, log)
	return run, nil
}

func (o *Orchestrator) runGate(ctx context.Context) (err error) {
	if o.gate == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic in credential gate: %v", r)
		}
	}()
	return o.gate.ValidateAndInitialize(ctx)
}

func (o *Orchestrator) fetchAll(ctx context.Context, w Window, tracker *Tracker, log *zap.SugaredLogger) map[string]series.Table {
	var (
		mu     sync.Mutex
		tables = make(map[string]series.Table)
		g      errgroup.Group
	)
	g.SetLimit(o.workers)

	var category Category
	for _, src := range o.registry.Sources() {
		src := src
		if ctx.Err() != nil {
			log.Warnw("run cancelled; remaining sources will not be started", logger.FieldSource, src.Name)
			break
		}
		if src.Category != category {
			category = src.Category
			section(log, "COLLECTING: "+strings.ToUpper(string(category)))
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			tracker.MarkCollecting(src.Name)
			slog := log.With(logger.FieldSource, src.Name, logger.FieldCategory, src.Category)
			slog.Infow("starting", "label", src.Label)

			start := o.now()
			t, err := o.fetch(ctx, src, w)
			elapsed := o.now().Sub(start).Milliseconds()
			if err != nil {
				reason := ReasonFor(err)
				tracker.MarkFailure(src.Name, reason)
				slog.Errorw("fetch failed",
					logger.FieldReason, reason, logger.FieldError, err.Error(), logger.FieldDurationMS, elapsed)
				return nil
			}
			if t.IsEmpty() {
				slog.Warnw("no data returned", logger.FieldDurationMS, elapsed)
			} else {
				slog.Infow("fetched", logger.FieldRecords, t.Len(), logger.FieldDurationMS, elapsed)
			}

			mu.Lock()
			tables[src.Name] = t
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return tables
}

// fetch is the failure boundary around a single Fetcher.
func (o *Orchestrator) fetch(ctx context.Context, src Source, w Window) (t series.Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			t = series.Table{}
			err = errors.Mark(errors.Newf("panic: %v", r), ErrUnexpected)
		}
	}()
	return src.Fetcher.Fetch(ctx, w)
}

func (o *Orchestrator) persistAll(ctx context.Context, tables map[string]series.Table, tracker *Tracker, log *zap.SugaredLogger) {
	for _, name := range o.registry.Names() {
		st, _ := tracker.Get(name)
		if st.State != Collecting {
			// Failed already, or never started because the run was cancelled.
			continue
		}

		t, ok := tables[name]
		if !ok || t.IsEmpty() {
			tracker.MarkFailure(name, ReasonEmptyResult)
			continue
		}

		if err := o.persist(ctx, name, t); err != nil {
			tracker.MarkFailure(name, ReasonWriteError)
			log.Errorw("persist failed", logger.FieldSource, name, logger.FieldError, err.Error())
			continue
		}
		tracker.MarkSuccess(name, t.Len())
		log.Infow("saved", logger.FieldSource, name, logger.FieldRecords, t.Len())
	}
}

func (o *Orchestrator) persist(ctx context.Context, name string, t series.Table) (err error) {
	if o.sink == nil {
		return errors.Mark(errors.New("no sink configured"), ErrPersistence)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("panic in sink: %v", r), ErrPersistence)
		}
	}()
	if err := o.sink.Persist(ctx, name, t); err != nil {
		return errors.Mark(err, ErrPersistence)
	}
	return nil
}

func (o *Orchestrator) finish(run *Run, tracker *Tracker, log *zap.SugaredLogger) {
	run.Statuses = tracker.Reconcile()
	run.Report = Checklist(run.Statuses)
	run.FinishedAt = o.now()
	run.Report.Log(log)
}

func section(log *zap.SugaredLogger, title string) {
	log.Info(strings.Repeat("-", 70))
	log.Info(title)
	log.Info(strings.Repeat("-", 70))
}
