package collect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/i474232898/external-factors/internal/series"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu     sync.Mutex
	tables map[string]series.Table
	calls  []string
	fail   map[string]error
}

func newMemorySink() *memorySink {
	return &memorySink{tables: make(map[string]series.Table), fail: make(map[string]error)}
}

func (s *memorySink) Persist(_ context.Context, name string, t series.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	if err := s.fail[name]; err != nil {
		return err
	}
	s.tables[name] = t
	return nil
}

func (s *memorySink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func okGate() Gate {
	return GateFunc(func(context.Context) error { return nil })
}

func source(name string, f FetcherFunc) Source {
	return Source{Name: name, Label: name, Category: CategoryMacro, Fetcher: f}
}

func mustRegistry(t *testing.T, sources ...Source) *Registry {
	t.Helper()
	r, err := NewRegistry(sources...)
	require.NoError(t, err)
	return r
}

func newTestOrchestrator(t *testing.T, reg *Registry, gate Gate, sink Sink, opts ...Option) *Orchestrator {
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithIDGenerator(func() string { return "run-1" }),
	}, opts...)
	return NewOrchestrator(reg, gate, sink, opts...)
}

func statusOf(t *testing.T, run *Run, name string) Status {
	t.Helper()
	for _, s := range run.Statuses {
		if s.Name == name {
			return s.Status
		}
	}
	t.Fatalf("no status for %s", name)
	return Status{}
}

func TestRun_GateFailureSkipsEverything(t *testing.T) {
	var fetches atomic.Int32
	fetch := func(context.Context, Window) (series.Table, error) {
		fetches.Add(1)
		return rows(t, 1), nil
	}
	reg := mustRegistry(t, source("a", fetch), source("b", fetch))
	sink := newMemorySink()
	gate := GateFunc(func(context.Context) error { return errors.New("QUANDL_API_KEY is a placeholder") })

	run, err := newTestOrchestrator(t, reg, gate, sink).Run(context.Background(), testWindow())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredentials))
	require.NotNil(t, run)

	assert.Zero(t, fetches.Load())
	assert.Zero(t, sink.callCount())
	assert.Equal(t, 0, run.Report.Successes)
	for _, s := range run.Statuses {
		assert.Equal(t, Status{State: Failure, Reason: ReasonCredentials}, s.Status)
	}
}

func TestRun_FallbackSuccessCountsSecondAttempt(t *testing.T) {
	chain := &Chain{
		Source: "macro_bcb",
		Attempts: []Attempt{
			{Name: "iso", RetryOn: []error{ErrFormat}, Do: func(context.Context, Window) (series.Table, error) {
				return series.Table{}, errors.Mark(errors.New("cannot parse date"), ErrFormat)
			}},
			{Name: "dmy", Do: func(context.Context, Window) (series.Table, error) { return rows(t, 4), nil }},
		},
	}
	reg := mustRegistry(t, Source{Name: "macro_bcb", Category: CategoryMacro, Fetcher: chain})
	sink := newMemorySink()

	run, err := newTestOrchestrator(t, reg, okGate(), sink).Run(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Equal(t, Status{State: Success, Records: 4}, statusOf(t, run, "macro_bcb"))
	assert.Equal(t, 4, sink.tables["macro_bcb"].Len())
}

func TestRun_EmptyResultIsFailure(t *testing.T) {
	reg := mustRegistry(t, source("a", func(context.Context, Window) (series.Table, error) {
		return series.Empty("value"), nil
	}))
	sink := newMemorySink()

	run, err := newTestOrchestrator(t, reg, okGate(), sink).Run(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Equal(t, Status{State: Failure, Reason: ReasonEmptyResult}, statusOf(t, run, "a"))
	assert.Zero(t, sink.callCount())
}

func TestRun_SinkErrorIsWriteError(t *testing.T) {
	reg := mustRegistry(t,
		source("a", func(context.Context, Window) (series.Table, error) { return rows(t, 3), nil }),
		source("b", func(context.Context, Window) (series.Table, error) { return rows(t, 2), nil }),
	)
	sink := newMemorySink()
	sink.fail["a"] = errors.New("disk full")

	run, err := newTestOrchestrator(t, reg, okGate(), sink).Run(context.Background(), testWindow())
	require.NoError(t, err)

	assert.Equal(t, Status{State: Failure, Reason: ReasonWriteError}, statusOf(t, run, "a"))
	assert.Equal(t, Status{State: Success, Records: 2}, statusOf(t, run, "b"))
	_, persisted := sink.tables["a"]
	assert.False(t, persisted)
	// The in-memory table survives the failed write.
	assert.Equal(t, 3, run.Tables["a"].Len())
}

func TestRun_UnexpectedFailureIsolated(t *testing.T) {
	reg := mustRegistry(t,
		source("a", func(context.Context, Window) (series.Table, error) { return series.Table{}, errors.New("boom") }),
		source("b", func(context.Context, Window) (series.Table, error) { return rows(t, 10), nil }),
	)

	run, err := newTestOrchestrator(t, reg, okGate(), newMemorySink()).Run(context.Background(), testWindow())
	require.NoError(t, err)

	assert.Equal(t, Status{State: Failure, Reason: "unexpected: boom"}, statusOf(t, run, "a"))
	assert.Equal(t, Status{State: Success, Records: 10}, statusOf(t, run, "b"))
	assert.Equal(t, "1 of 2 succeeded", run.Report.Summary())
}

func TestRun_PanickingFetcherIsContained(t *testing.T) {
	reg := mustRegistry(t,
		source("a", func(context.Context, Window) (series.Table, error) { panic("index out of range") }),
		source("b", func(context.Context, Window) (series.Table, error) { return rows(t, 1), nil }),
	)

	run, err := newTestOrchestrator(t, reg, okGate(), newMemorySink()).Run(context.Background(), testWindow())
	require.NoError(t, err)

	st := statusOf(t, run, "a")
	assert.Equal(t, Failure, st.State)
	assert.Contains(t, st.Reason, "unexpected: ")
	assert.Contains(t, st.Reason, "index out of range")
	assert.Equal(t, Success, statusOf(t, run, "b").State)
}

func TestRun_ReportOrderMatchesRegistryUnderConcurrency(t *testing.T) {
	names := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	var sources []Source
	for i, n := range names {
		i, n := i, n
		delay := time.Duration(len(names)-i) * 5 * time.Millisecond
		sources = append(sources, source(n, func(ctx context.Context, _ Window) (series.Table, error) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return series.Table{}, ctx.Err()
			}
			return rows(t, i+1), nil
		}))
	}
	reg := mustRegistry(t, sources...)

	run, err := newTestOrchestrator(t, reg, okGate(), newMemorySink(), WithWorkers(4)).
		Run(context.Background(), testWindow())
	require.NoError(t, err)

	require.Len(t, run.Report.Entries, len(names))
	for i, e := range run.Report.Entries {
		assert.Equal(t, names[i], e.Name)
		assert.Equal(t, Status{State: Success, Records: i + 1}, e.Status)
	}
}

func TestRun_WorkerLimitIsHonoured(t *testing.T) {
	var inFlight, peak atomic.Int32
	fetch := func(context.Context, Window) (series.Table, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return rows(t, 1), nil
	}
	reg := mustRegistry(t, source("a", fetch), source("b", fetch), source("c", fetch), source("d", fetch))

	_, err := newTestOrchestrator(t, reg, okGate(), newMemorySink(), WithWorkers(2)).
		Run(context.Background(), testWindow())
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_NoNonTerminalStateSurvives(t *testing.T) {
	reg := mustRegistry(t,
		source("ok", func(context.Context, Window) (series.Table, error) { return rows(t, 1), nil }),
		source("empty", func(context.Context, Window) (series.Table, error) { return series.Table{}, nil }),
		source("err", func(context.Context, Window) (series.Table, error) {
			return series.Table{}, errors.Mark(errors.New("bad"), ErrFormat)
		}),
	)

	run, err := newTestOrchestrator(t, reg, okGate(), newMemorySink()).Run(context.Background(), testWindow())
	require.NoError(t, err)
	for _, s := range run.Statuses {
		assert.True(t, s.Status.State.Terminal(), s.Name)
	}
	assert.Equal(t, "format error", statusOf(t, run, "err").Reason)
}

func TestRun_CancellationStopsNewSourcesAndKeepsFinishedOnes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := mustRegistry(t,
		source("first", func(context.Context, Window) (series.Table, error) {
			defer cancel()
			return rows(t, 3), nil
		}),
		source("second", func(context.Context, Window) (series.Table, error) { return rows(t, 1), nil }),
	)
	sink := newMemorySink()

	run, err := newTestOrchestrator(t, reg, okGate(), sink).Run(ctx, testWindow())
	require.NoError(t, err)

	assert.Equal(t, Status{State: Success, Records: 3}, statusOf(t, run, "first"))
	assert.Equal(t, Status{State: Failure, Reason: ReasonNotCompleted}, statusOf(t, run, "second"))
	assert.Equal(t, 3, sink.tables["first"].Len())
}

func TestRun_InFlightFetchSeesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	reg := mustRegistry(t, source("slow", func(ctx context.Context, _ Window) (series.Table, error) {
		close(started)
		<-ctx.Done()
		return series.Table{}, ctx.Err()
	}))

	go func() {
		<-started
		cancel()
	}()

	run, err := newTestOrchestrator(t, reg, okGate(), newMemorySink()).Run(ctx, testWindow())
	require.NoError(t, err)
	assert.Equal(t, Status{State: Failure, Reason: ReasonCancelled}, statusOf(t, run, "slow"))
}

func TestRun_RejectsInvalidWindow(t *testing.T) {
	reg := mustRegistry(t, source("a", func(context.Context, Window) (series.Table, error) { return rows(t, 1), nil }))
	_, err := newTestOrchestrator(t, reg, okGate(), newMemorySink()).
		Run(context.Background(), Window{Start: day0.AddDate(0, 0, 1), End: day0})
	assert.True(t, errors.Is(err, ErrInvalidWindow))
}

func TestRun_PopulatesRunMetadata(t *testing.T) {
	clock := day0
	reg := mustRegistry(t, source("a", func(context.Context, Window) (series.Table, error) { return rows(t, 1), nil }))
	o := newTestOrchestrator(t, reg, okGate(), newMemorySink(), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	run, err := o.Run(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, testWindow(), run.Window)
	assert.True(t, run.FinishedAt.After(run.StartedAt))
	assert.Equal(t, 1, run.Report.Total)
}

func TestNewRegistry_Validation(t *testing.T) {
	f := FetcherFunc(func(context.Context, Window) (series.Table, error) { return series.Table{}, nil })

	_, err := NewRegistry(Source{Name: "", Fetcher: f})
	assert.Error(t, err)
	_, err = NewRegistry(Source{Name: "a"})
	assert.Error(t, err)
	_, err = NewRegistry(Source{Name: "a", Fetcher: f}, Source{Name: "a", Fetcher: f})
	assert.Error(t, err)

	reg, err := NewRegistry(Source{Name: "b", Fetcher: f}, Source{Name: "a", Fetcher: f})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, reg.Names())
	src, ok := reg.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "a", src.Name)
	_, ok = reg.Lookup("zzz")
	assert.False(t, ok)
}

func TestRun_LogsFailuresWithoutStackTraces(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core).Sugar()

	failing := func(context.Context, Window) (series.Table, error) {
		return series.Table{}, errors.Mark(errors.Wrap(errors.New("bad payload"), "decode"), ErrFormat)
	}
	chain := &Chain{
		Source: "a",
		Logger: log,
		Attempts: []Attempt{
			{Name: "first", RetryOn: []error{ErrFormat}, Do: failing},
			{Name: "second", Do: failing},
		},
	}
	reg := mustRegistry(t, source("a", chain.Fetch))

	_, err := newTestOrchestrator(t, reg, okGate(), newMemorySink(), WithLogger(log)).Run(context.Background(), testWindow())
	require.NoError(t, err)

	for _, msg := range []string{"attempt failed, trying next strategy", "fetch failed"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		fields := entries[0].ContextMap()
		assert.IsType(t, "", fields["error"], msg)
		assert.Contains(t, fields["error"], "bad payload", msg)
		assert.NotContains(t, fields, "errorVerbose", msg)
	}
}
