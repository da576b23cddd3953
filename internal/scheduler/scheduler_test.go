package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/external-factors/internal/collect"
)

type fakeRunner struct {
	mu      sync.Mutex
	windows []collect.Window
	err     error
}

func (f *fakeRunner) Run(_ context.Context, w collect.Window) (*collect.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, w)
	return &collect.Run{ID: "r", Window: w}, f.err
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []*collect.Run
}

func (f *fakeRecorder) SaveRun(r *collect.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, r)
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func fixedWindow() collect.Window {
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	return collect.Window{Start: end.AddDate(0, 0, -30), End: end}
}

func TestSchedulerRunsAndRecords(t *testing.T) {
	runner := &fakeRunner{}
	rec := &fakeRecorder{}
	s := New(runner, rec, fixedWindow, 20*time.Millisecond, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, fixedWindow(), runner.windows[0])
}

func TestSchedulerRecordsAbortedRuns(t *testing.T) {
	runner := &fakeRunner{err: errors.New("credential gate failed")}
	rec := &fakeRecorder{}
	s := New(runner, rec, fixedWindow, 20*time.Millisecond, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSchedulerDisabledWithoutInterval(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, nil, fixedWindow, 0, nil)
	require.NoError(t, s.Start())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.Zero(t, runner.calls())
}
