package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/i474232898/external-factors/internal/api/http"
	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/store"
)

func TestWindowFlags(t *testing.T) {
	now := time.Date(2024, 6, 30, 9, 0, 0, 0, time.UTC)

	w, err := windowFlags{}.window(now, 1095)
	require.NoError(t, err)
	assert.Equal(t, collect.LastDays(now, 1095), w)

	w, err = windowFlags{end: "2024-01-31", days: 30}.window(now, 1095)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), w.End)

	w, err = windowFlags{start: "2023-01-01"}.window(now, 1095)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, now, w.End)

	_, err = windowFlags{start: "2024-07-01"}.window(now, 1095)
	assert.Error(t, err, "start after end")

	_, err = windowFlags{end: "31/01/2024"}.window(now, 1095)
	assert.Error(t, err)
}

func TestServerHealthAndErrors(t *testing.T) {
	reg, err := collect.NewRegistry()
	require.NoError(t, err)
	app := newServer(httpapi.Deps{
		Collector: collect.NewOrchestrator(reg, nil, nil),
		Runs:      store.NewMemoryStore(0, 0),
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, nil)
	assert.Empty(t, out.String())

	statuses := []collect.SourceStatus{
		{Name: "macro_bcb", Status: collect.Status{State: collect.Success, Records: 1200}},
		{Name: "hidro_ana", Status: collect.Status{State: collect.Failure, Reason: "http 503"}},
	}
	run := &collect.Run{
		Window: collect.LastDays(time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), 30),
		Report: collect.Checklist(statuses),
	}
	printReport(&out, run)

	got := out.String()
	assert.Contains(t, got, "FINAL COLLECTION CHECKLIST")
	assert.Contains(t, got, "macro_bcb : ✅ Success (1.200 records)")
	assert.Contains(t, got, "hidro_ana : ❌ Failure (http 503)")
	assert.Contains(t, got, "1 of 2 succeeded\n")
}
