package collect

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// State is the lifecycle position of one source within a run.
type State int

const (
	Pending State = iota
	Collecting
	Success
	Failure
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Collecting:
		return "collecting"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Success or Failure.
func (s State) Terminal() bool {
	return s == Success || s == Failure
}

// Status is the tagged state of one source. Records is set for Success,
// Reason for Failure.
type Status struct {
	State   State
	Records int
	Reason  string
}

// Code is the machine-readable form: "success", "failure:<reason>", "pending" or "collecting".
func (s Status) Code() string {
	if s.State == Failure {
		return "failure:" + s.Reason
	}
	return s.State.String()
}

// Label is the display form used by the checklist.
func (s Status) Label() string {
	switch s.State {
	case Pending:
		return "⏳ Pending"
	case Collecting:
		return "⏳ Collecting"
	case Success:
		return fmt.Sprintf("✅ Success (%s records)", groupThousands(s.Records))
	case Failure:
		return fmt.Sprintf("❌ Failure (%s)", s.Reason)
	default:
		return "❓ Unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State   string `json:"state"`
		Code    string `json:"code"`
		Label   string `json:"label"`
		Records int    `json:"records,omitempty"`
		Reason  string `json:"reason,omitempty"`
	}{
		State:   s.State.String(),
		Code:    s.Code(),
		Label:   s.Label(),
		Records: s.Records,
		Reason:  s.Reason,
	})
}

// groupThousands formats n with "." separators (1.234.567).
func groupThousands(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, '.')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

// SourceStatus pairs a source name with its status, in registry order.
type SourceStatus struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// Tracker owns the per-source status map of a run. All transitions go
// through its methods, which are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	order  []string
	status map[string]Status
}

func NewTracker() *Tracker {
	return &Tracker{status: make(map[string]Status)}
}

// Initialize sets every name to Pending and fixes the report order.
func (t *Tracker) Initialize(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.order = append([]string(nil), names...)
	t.status = make(map[string]Status, len(names))
	for _, n := range names {
		t.status[n] = Status{State: Pending}
	}
}

func (t *Tracker) MarkCollecting(name string) {
	t.set(name, Status{State: Collecting})
}

func (t *Tracker) MarkSuccess(name string, records int) {
	t.set(name, Status{State: Success, Records: records})
}

func (t *Tracker) MarkFailure(name, reason string) {
	t.set(name, Status{State: Failure, Reason: reason})
}

// set panics on an unknown name: transitions for unregistered sources are a
// programming error.
func (t *Tracker) set(name string, s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.status[name]; !ok {
		panic(fmt.Sprintf("collect: status update for unknown source %q", name))
	}
	t.status[name] = s
}

// Get returns the current status of name.
func (t *Tracker) Get(name string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.status[name]
	return s, ok
}

// Snapshot returns every status in initialization order.
func (t *Tracker) Snapshot() []SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Reconcile forces any Pending or Collecting entry to Failure("not completed")
// and returns the final statuses in initialization order.
func (t *Tracker) Reconcile() []SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, s := range t.status {
		if !s.State.Terminal() {
			t.status[name] = Status{State: Failure, Reason: ReasonNotCompleted}
		}
	}
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []SourceStatus {
	out := make([]SourceStatus, 0, len(t.order))
	for _, n := range t.order {
		out = append(out, SourceStatus{Name: n, Status: t.status[n]})
	}
	return out
}
