package collect

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Report is the rendered outcome of a run, in registry order.
type Report struct {
	Entries   []SourceStatus `json:"entries"`
	Successes int            `json:"successes"`
	Total     int            `json:"total"`
}

// Checklist builds a Report from reconciled statuses. It does not mutate its input.
func Checklist(statuses []SourceStatus) Report {
	r := Report{
		Entries: append([]SourceStatus(nil), statuses...),
		Total:   len(statuses),
	}
	for _, s := range statuses {
		if s.Status.State == Success {
			r.Successes++
		}
	}
	return r
}

// Lines returns one aligned "name: label" line per source.
func (r Report) Lines() []string {
	width := 0
	for _, e := range r.Entries {
		if len(e.Name) > width {
			width = len(e.Name)
		}
	}
	width++

	lines := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		lines = append(lines, fmt.Sprintf("  - %-*s: %s", width, e.Name, e.Status.Label()))
	}
	return lines
}

// Summary is the trailing aggregate line.
func (r Report) Summary() string {
	return fmt.Sprintf("%d of %d succeeded", r.Successes, r.Total)
}

func (r Report) String() string {
	var b strings.Builder
	for _, l := range r.Lines() {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(r.Summary())
	b.WriteByte('\n')
	return b.String()
}

// Log writes the checklist through log, one line per source.
func (r Report) Log(log *zap.SugaredLogger) {
	log.Info(strings.Repeat("=", 70))
	log.Info("FINAL COLLECTION CHECKLIST")
	log.Info(strings.Repeat("=", 70))
	for _, l := range r.Lines() {
		log.Info(l)
	}
	log.Info(strings.Repeat("=", 70))
	log.Info(r.Summary())
}
