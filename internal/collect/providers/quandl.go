package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

const (
	NameQuandl       = "macro_quandl"
	quandlBaseURL    = "https://data.nasdaq.com/api/v3/datasets"
	quandlDataset    = "CHRIS/CME_S1"
	colSojaFuturoCME = "Soja_Futuro_CME_USD"
)

// Quandl fetches the CME soybean front-month settle price from Nasdaq Data
// Link. A 403 means the key lacks a subscription to the dataset.
type Quandl struct {
	opts   Options
	apiKey string
	client *Client
	chain  *collect.Chain
}

func NewQuandl(apiKey string, opts Options) *Quandl {
	opts = opts.withDefaults(quandlBaseURL, 20*time.Second)
	p := &Quandl{opts: opts, apiKey: apiKey, client: opts.client(NameQuandl, false)}
	p.chain = opts.chain(NameQuandl, collect.Attempt{Name: "dataset", Do: p.fetch})
	return p
}

func (p *Quandl) Fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	p.client.Reset()
	return p.chain.Fetch(ctx, w)
}

func (p *Quandl) fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	q := url.Values{}
	q.Set("api_key", p.apiKey)
	q.Set("start_date", w.Start.Format(time.DateOnly))
	q.Set("end_date", w.End.Format(time.DateOnly))

	var payload struct {
		Dataset *struct {
			ColumnNames []string            `json:"column_names"`
			Data        [][]json.RawMessage `json:"data"`
		} `json:"dataset"`
	}
	err := p.client.GetJSON(ctx, p.opts.BaseURL+"/"+quandlDataset+".json", q, &payload)
	if errors.Is(err, collect.ErrPermission) {
		p.opts.Logger.Warnw("check the subscription to the dataset", "dataset", quandlDataset)
	}
	if err != nil {
		return series.Table{}, err
	}
	if payload.Dataset == nil {
		return series.Table{}, formatError("%s: response has no dataset", NameQuandl)
	}

	dateIdx, settleIdx := -1, -1
	for i, c := range payload.Dataset.ColumnNames {
		switch strings.ToLower(c) {
		case "date":
			dateIdx = i
		case "settle":
			settleIdx = i
		}
	}
	if dateIdx < 0 || settleIdx < 0 {
		return series.Table{}, formatError("%s: missing Date or Settle column in %v", NameQuandl, payload.Dataset.ColumnNames)
	}

	b := series.NewBuilder(colSojaFuturoCME)
	for _, row := range payload.Dataset.Data {
		if len(row) <= dateIdx || len(row) <= settleIdx {
			return series.Table{}, formatError("%s: short row", NameQuandl)
		}
		var date string
		if err := json.Unmarshal(row[dateIdx], &date); err != nil {
			return series.Table{}, errors.Mark(errors.Wrap(err, "decode date"), collect.ErrFormat)
		}
		ts, err := parseTime(date, time.DateOnly)
		if err != nil {
			return series.Table{}, err
		}
		var settle number
		if err := json.Unmarshal(row[settleIdx], &settle); err != nil {
			return series.Table{}, errors.Mark(errors.Wrap(err, "decode settle"), collect.ErrFormat)
		}
		b.Set(ts, colSojaFuturoCME, settle.Float())
	}
	return b.Build()
}
