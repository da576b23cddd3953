package httpapi

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
	"github.com/i474232898/external-factors/internal/store"
)

var validate = validator.New()

// Collector runs collections over the registered sources.
type Collector interface {
	Run(ctx context.Context, w collect.Window) (*collect.Run, error)
	Registry() *collect.Registry
}

// RunHistory records and serves past runs.
type RunHistory interface {
	SaveRun(run *collect.Run)
	Latest() (collect.Run, error)
	Range(from, to time.Time) ([]collect.Run, error)
}

// TableLoader reads persisted tables back from the sink.
type TableLoader interface {
	Load(ctx context.Context, name string) (series.Table, error)
}

// Deps are the services the routes are served from.
type Deps struct {
	Collector  Collector
	Runs       RunHistory
	Tables     TableLoader
	WindowDays int
	Now        func() time.Time
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}

	v1 := app.Group("/api/v1")
	v1.Get("/sources", h.listSources)
	v1.Get("/sources/:name/table", h.sourceTable)
	v1.Get("/runs/latest", h.latestRun)
	v1.Get("/runs", h.runHistory)
	v1.Post("/runs", h.startRun)
}

type handlers struct {
	Deps
	// running guards against overlapping manual runs.
	running sync.Mutex
}

type sourceInfo struct {
	Name     string           `json:"name"`
	Label    string           `json:"label"`
	Category collect.Category `json:"category"`
}

func (h *handlers) listSources(c *fiber.Ctx) error {
	sources := h.Collector.Registry().Sources()
	out := make([]sourceInfo, len(sources))
	for i, s := range sources {
		out[i] = sourceInfo{Name: s.Name, Label: s.Label, Category: s.Category}
	}
	return c.JSON(out)
}

func (h *handlers) latestRun(c *fiber.Ctx) error {
	run, err := h.Runs.Latest()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no collection run recorded yet")
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch latest run")
	}
	return c.JSON(run)
}

func (h *handlers) runHistory(c *fiber.Ctx) error {
	var req rangeQuery
	if err := req.bind(c, true); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	runs, err := h.Runs.Range(req.From, req.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no collection runs for requested range")
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch run history")
	}

	return c.JSON(fiber.Map{
		"from": req.From,
		"to":   req.To,
		"runs": runs,
	})
}

// runRequest is the optional body of POST /runs. Dates are YYYY-MM-DD.
type runRequest struct {
	Start string `json:"start" validate:"omitempty,datetime=2006-01-02"`
	End   string `json:"end" validate:"omitempty,datetime=2006-01-02"`
}

func (r runRequest) window(now time.Time, days int) (collect.Window, error) {
	w := collect.LastDays(now, days)
	if r.End != "" {
		end, err := time.Parse(time.DateOnly, r.End)
		if err != nil {
			return w, err
		}
		w = collect.LastDays(end, days)
	}
	if r.Start != "" {
		start, err := time.Parse(time.DateOnly, r.Start)
		if err != nil {
			return w, err
		}
		w.Start = start
	}
	return w, w.Validate()
}

func (h *handlers) startRun(c *fiber.Ctx) error {
	var req runRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	w, err := req.window(h.Now(), h.WindowDays)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if !h.running.TryLock() {
		return fiber.NewError(fiber.StatusConflict, "a collection run is already in progress")
	}
	defer h.running.Unlock()

	run, err := h.Collector.Run(c.UserContext(), w)
	if run != nil {
		h.Runs.SaveRun(run)
	}
	if err != nil {
		if errors.Is(err, collect.ErrCredentials) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": err.Error(),
				"run":   run,
			})
		}
		if errors.Is(err, collect.ErrInvalidWindow) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, "collection run failed")
	}
	return c.JSON(run)
}

func (h *handlers) sourceTable(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, ok := h.Collector.Registry().Lookup(name); !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown source "+name)
	}

	var req rangeQuery
	if err := req.bind(c, false); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return fiber.NewError(fiber.StatusBadRequest, "to must not be before from")
	}

	t, err := h.Tables.Load(c.UserContext(), name)
	if err != nil {
		if errors.Is(err, collect.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no data collected for "+name)
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load table")
	}

	return c.JSON(newTableResponse(name, t.Slice(req.From, req.To)))
}

type tableRow struct {
	Time   time.Time  `json:"time"`
	Values []*float64 `json:"values"`
}

type tableResponse struct {
	Source  string     `json:"source"`
	Columns []string   `json:"columns"`
	Rows    []tableRow `json:"rows"`
}

// newTableResponse renders null values as JSON null.
func newTableResponse(name string, t series.Table) tableResponse {
	resp := tableResponse{Source: name, Columns: t.Columns(), Rows: make([]tableRow, 0, t.Len())}
	for _, r := range t.Rows() {
		values := make([]*float64, len(r.Values))
		for i, v := range r.Values {
			v := v
			if !series.IsNull(v) {
				values[i] = &v
			}
		}
		resp.Rows = append(resp.Rows, tableRow{Time: r.Time, Values: values})
	}
	return resp
}

// rangeQuery holds the from/to query parameters.
type rangeQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (q *rangeQuery) bind(c *fiber.Ctx, required bool) error {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if required && (fromStr == "" || toStr == "") {
		return errors.New("from and to query parameters are required")
	}

	if fromStr != "" {
		from, err := parseTime(fromStr)
		if err != nil {
			return err
		}
		q.From = from
	}
	if toStr != "" {
		to, err := parseTime(toStr)
		if err != nil {
			return err
		}
		q.To = to
	}
	return nil
}

// parseTime tries to parse RFC3339, a plain date or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.DateOnly, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339, YYYY-MM-DD or unix seconds")
}
