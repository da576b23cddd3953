package providers

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

const (
	NameERA5         = "clima_era5"
	openMeteoArchive = "https://archive-api.open-meteo.com/v1/archive"
	colPrecERA5      = "Prec_ERA5_mm"

	// The archive lags real time by several days.
	era5Lag = 7 * 24 * time.Hour
)

// ERA5 fetches daily precipitation reanalysis from the Open-Meteo archive
// for a point in Mato Grosso.
type ERA5 struct {
	opts     Options
	lat, lon float64
	client   *Client
	chain    *collect.Chain
}

func NewERA5(opts Options) *ERA5 {
	opts = opts.withDefaults(openMeteoArchive, 30*time.Second)
	p := &ERA5{opts: opts, lat: -12.54, lon: -55.71, client: opts.client(NameERA5, false)}
	p.chain = opts.chain(NameERA5, collect.Attempt{Name: "archive", Do: p.fetch})
	return p
}

func (p *ERA5) Fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	p.client.Reset()
	return p.chain.Fetch(ctx, w)
}

// end is the last day the archive can serve for w.
func (p *ERA5) end(w collect.Window) time.Time {
	limit := day(p.opts.Now().Add(-era5Lag))
	if e := day(w.End); e.Before(limit) {
		return e
	}
	return limit
}

func (p *ERA5) fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	start, end := day(w.Start), p.end(w)
	if start.After(end) {
		return series.Table{}, errors.Wrapf(collect.ErrInvalidWindow, "%s: start %s is after %s",
			NameERA5, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(p.lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(p.lon, 'f', -1, 64))
	q.Set("start_date", start.Format(time.DateOnly))
	q.Set("end_date", end.Format(time.DateOnly))
	q.Set("daily", "precipitation_sum")
	q.Set("timezone", "America/Sao_Paulo")

	var payload struct {
		Daily struct {
			Time   []string `json:"time"`
			Precip []number `json:"precipitation_sum"`
		} `json:"daily"`
	}
	if err := p.client.GetJSON(ctx, p.opts.BaseURL, q, &payload); err != nil {
		return series.Table{}, err
	}
	if len(payload.Daily.Precip) != len(payload.Daily.Time) {
		return series.Table{}, formatError("%s: %d times but %d values",
			NameERA5, len(payload.Daily.Time), len(payload.Daily.Precip))
	}

	b := series.NewBuilder(colPrecERA5)
	for i, d := range payload.Daily.Time {
		ts, err := parseTime(d, time.DateOnly)
		if err != nil {
			return series.Table{}, err
		}
		b.Set(ts, colPrecERA5, payload.Daily.Precip[i].Float())
	}
	return b.Build()
}
