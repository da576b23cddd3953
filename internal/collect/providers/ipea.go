package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

const (
	NameIPEA       = "macro_ipea"
	ipeaBaseURL    = "http://www.ipeadata.gov.br/api/odata4"
	ipeaSeriesIPCA = "PRECOS12_IPCAG12"
	colIPCAMensal  = "IPCA_Mensal"
)

// IPEA fetches monthly IPCA inflation from the IPEAData OData API. The API
// returns the whole series; the window is applied locally.
type IPEA struct {
	opts   Options
	client *Client
	chain  *collect.Chain
}

func NewIPEA(opts Options) *IPEA {
	opts = opts.withDefaults(ipeaBaseURL, 20*time.Second)
	p := &IPEA{opts: opts, client: opts.client(NameIPEA, false)}
	p.chain = opts.chain(NameIPEA, collect.Attempt{Name: "odata", Do: p.fetch})
	return p
}

func (p *IPEA) Fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	p.client.Reset()
	return p.chain.Fetch(ctx, w)
}

func (p *IPEA) fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	var payload struct {
		Value *[]struct {
			Date  string `json:"VALDATA"`
			Value number `json:"VALVALOR"`
		} `json:"value"`
	}
	u := fmt.Sprintf("%s/ValoresSerie(SERCODIGO='%s')", p.opts.BaseURL, ipeaSeriesIPCA)
	if err := p.client.GetJSON(ctx, u, nil, &payload); err != nil {
		return series.Table{}, err
	}
	if payload.Value == nil {
		return series.Table{}, formatError("%s: response has no value column", NameIPEA)
	}

	b := series.NewBuilder(colIPCAMensal)
	from, to := day(w.Start), day(w.End)
	for _, v := range *payload.Value {
		ts, err := parseTime(v.Date, time.RFC3339, "2006-01-02T15:04:05", time.DateOnly)
		if err != nil {
			return series.Table{}, err
		}
		ts = day(ts)
		if ts.Before(from) || ts.After(to) {
			continue
		}
		b.Set(ts, colIPCAMensal, v.Value.Float())
	}
	return b.Build()
}
