package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

const (
	NameINMET      = "clima_inmet"
	inmetBaseURL   = "https://apitempo.inmet.gov.br/estacoes/diaria"
	colPrecINMET   = "Prec_INMET_mm"
	colTempMaxINMT = "TempMax_INMET_C"
)

// INMET fetches daily rainfall and maximum temperature for a weather station.
// When the primary station fails or has no data the fallback station is tried.
type INMET struct {
	opts   Options
	client *Client
	chain  *collect.Chain
}

func NewINMET(station, fallbackStation string, opts Options) *INMET {
	opts = opts.withDefaults(inmetBaseURL, 20*time.Second)
	p := &INMET{opts: opts, client: opts.client(NameINMET, true)}

	attempts := []collect.Attempt{{
		Name:    "station " + station,
		RetryOn: []error{collect.ErrNotFound, collect.ErrTransient, collect.ErrClient},
		Do:      p.fetchStation(station),
	}}
	if fallbackStation != "" && fallbackStation != station {
		attempts = append(attempts, collect.Attempt{
			Name: "station " + fallbackStation,
			Do:   p.fetchStation(fallbackStation),
		})
	}
	p.chain = opts.chain(NameINMET, attempts...)
	return p
}

func (p *INMET) Fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	p.client.Reset()
	return p.chain.Fetch(ctx, w)
}

func (p *INMET) fetchStation(station string) func(context.Context, collect.Window) (series.Table, error) {
	return func(ctx context.Context, w collect.Window) (series.Table, error) {
		u := fmt.Sprintf("%s/%s/%s/%s", p.opts.BaseURL,
			w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly), station)

		var records []map[string]json.RawMessage
		if err := p.client.GetJSON(ctx, u, nil, &records); err != nil {
			return series.Table{}, err
		}
		if len(records) == 0 {
			return series.Empty(colPrecINMET, colTempMaxINMT), nil
		}

		b := series.NewBuilder(colPrecINMET, colTempMaxINMT)
		for _, r := range records {
			raw, ok := r["DT_MEDICAO"]
			if !ok {
				return series.Table{}, formatError("%s: DT_MEDICAO missing from station %s", NameINMET, station)
			}
			var date string
			if err := json.Unmarshal(raw, &date); err != nil {
				return series.Table{}, formatError("%s: DT_MEDICAO is not a string", NameINMET)
			}
			ts, err := parseTime(date, time.DateOnly, time.RFC3339)
			if err != nil {
				return series.Table{}, err
			}
			b.Set(ts, colPrecINMET, field(r, "CHUVA"))
			b.Set(ts, colTempMaxINMT, field(r, "TEMP_MAX"))
		}
		return b.Build()
	}
}

func field(r map[string]json.RawMessage, key string) float64 {
	raw, ok := r[key]
	if !ok {
		return series.Null
	}
	var n number
	_ = n.UnmarshalJSON(raw)
	return n.Float()
}
