package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/common"
	"github.com/i474232898/external-factors/internal/series"
)

const (
	NameBCB       = "macro_bcb"
	bcbBaseURL    = "https://api.bcb.gov.br/dados/serie"
	bcbBRDate     = "02/01/2006"
	colUSDBRL     = "USD_BRL"
	colSelicMeta  = "Selic_Meta"
	bcbSeriesUSD  = 1
	bcbSeriesMeta = 432
)

// BCB fetches the USD/BRL rate and the Selic target from the Central Bank
// SGS API. The ISO date format is tried first and dd/MM/yyyy second.
type BCB struct {
	opts   Options
	client *Client
	chain  *collect.Chain
}

func NewBCB(opts Options) *BCB {
	opts = opts.withDefaults(bcbBaseURL, 20*time.Second)
	p := &BCB{opts: opts, client: opts.client(NameBCB, false)}
	p.chain = opts.chain(NameBCB,
		collect.Attempt{
			Name:    "iso-dates",
			RetryOn: []error{collect.ErrFormat},
			Do:      p.fetchWith(time.DateOnly),
		},
		collect.Attempt{
			Name: "br-dates",
			Do:   p.fetchWith(bcbBRDate),
		},
	)
	return p
}

func (p *BCB) Fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	p.client.Reset()
	return p.chain.Fetch(ctx, w)
}

type bcbPoint struct {
	Date  string `json:"data"`
	Value number `json:"valor"`
}

func (p *BCB) fetchWith(layout string) func(context.Context, collect.Window) (series.Table, error) {
	return func(ctx context.Context, w collect.Window) (series.Table, error) {
		b := series.NewBuilder(colUSDBRL, colSelicMeta)
		for _, s := range []struct {
			code   int
			column string
		}{
			{bcbSeriesUSD, colUSDBRL},
			{bcbSeriesMeta, colSelicMeta},
		} {
			q := url.Values{}
			q.Set("formato", "json")
			q.Set("dataInicial", w.Start.Format(layout))
			q.Set("dataFinal", w.End.Format(layout))

			var points []bcbPoint
			u := fmt.Sprintf("%s/bcdata.sgs.%d/dados", p.opts.BaseURL, s.code)
			if err := p.client.GetJSON(ctx, u, q, &points); err != nil {
				return series.Table{}, dateRejection(err)
			}
			for _, pt := range points {
				ts, err := parseTime(pt.Date, bcbBRDate, time.DateOnly)
				if err != nil {
					return series.Table{}, err
				}
				b.Set(ts, s.column, pt.Value.Float())
			}
		}
		return b.Build()
	}
}

// dateRejection marks a 400 whose body complains about the date parameters
// as a format error. Other client errors keep their class.
func dateRejection(err error) error {
	var status *collect.HTTPStatusError
	if errors.As(err, &status) && status.Code == http.StatusBadRequest &&
		common.HasAny(status.Body, "data", "date", "formato") {
		return errors.Mark(err, collect.ErrFormat)
	}
	return err
}
