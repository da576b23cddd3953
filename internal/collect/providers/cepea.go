package providers

import (
	"context"
	"net/url"
	"time"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

const (
	NameCEPEA       = "macro_cepea"
	cepeaBaseURL    = "https://www.cepea.esalq.usp.br/api/series/id"
	cepeaSeriesCorn = "104"
	colMilhoCEPEA   = "Milho_CEPEA_BRL"
)

// CEPEA fetches the corn price indicator (BRL). Requests are cache-busted.
type CEPEA struct {
	opts   Options
	client *Client
	chain  *collect.Chain
}

func NewCEPEA(opts Options) *CEPEA {
	opts = opts.withDefaults(cepeaBaseURL, 20*time.Second)
	p := &CEPEA{opts: opts, client: opts.client(NameCEPEA, true)}
	p.chain = opts.chain(NameCEPEA, collect.Attempt{Name: "series", Do: p.fetch})
	return p
}

func (p *CEPEA) Fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	p.client.Reset()
	return p.chain.Fetch(ctx, w)
}

func (p *CEPEA) fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	q := url.Values{}
	q.Set("start_date", w.Start.Format(time.DateOnly))
	q.Set("end_date", w.End.Format(time.DateOnly))
	q.Set("currency", "BRL")

	var payload struct {
		Series []struct {
			Date     string `json:"date"`
			PriceBRL number `json:"price_brl"`
		} `json:"series"`
	}
	if err := p.client.GetJSON(ctx, p.opts.BaseURL+"/"+cepeaSeriesCorn, q, &payload); err != nil {
		return series.Table{}, err
	}

	b := series.NewBuilder(colMilhoCEPEA)
	for _, s := range payload.Series {
		ts, err := parseTime(s.Date, time.DateOnly)
		if err != nil {
			return series.Table{}, err
		}
		b.Set(ts, colMilhoCEPEA, s.PriceBRL.Float())
	}
	return b.Build()
}
