package providers

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

const (
	NameANA        = "hidro_ana"
	anaBaseURL     = "https://telemetriaws1.ana.gov.br/ServiceANA.asmx/GetDadosTelemetricos"
	anaRecordTag   = "DadosHidrometereologicos"
	anaTypeLevel   = 2
	colNivelTeles  = "Nivel_Rio_TelesPires_cm"
	anaTimeLayout  = "2006-01-02 15:04:05"
	anaTimeLayout2 = "2006-01-02T15:04:05"
)

// ANA fetches river level telemetry from the National Water Agency SOAP
// service. Only records of data type 2 (level) are kept.
type ANA struct {
	opts    Options
	station string
	client  *Client
	chain   *collect.Chain
}

func NewANA(station string, opts Options) *ANA {
	opts = opts.withDefaults(anaBaseURL, 30*time.Second)
	p := &ANA{opts: opts, station: station, client: opts.client(NameANA, false)}
	p.chain = opts.chain(NameANA, collect.Attempt{Name: "telemetry", Do: p.fetch})
	return p
}

func (p *ANA) Fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	p.client.Reset()
	return p.chain.Fetch(ctx, w)
}

type anaRecord struct {
	DataHora *string `xml:"DataHora"`
	TipoDado *string `xml:"TipoDado"`
	Nivel    *string `xml:"Nivel"`
}

func (p *ANA) fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	q := url.Values{}
	q.Set("codEstacao", p.station)
	q.Set("dataInicio", w.Start.Format(time.DateOnly))
	q.Set("dataFim", w.End.Format(time.DateOnly))

	body, err := p.client.Get(ctx, p.opts.BaseURL, q, nil)
	if err != nil {
		return series.Table{}, err
	}
	records, err := decodeANA(body)
	if err != nil {
		return series.Table{}, err
	}
	if len(records) == 0 {
		return series.Empty(colNivelTeles), nil
	}

	b := series.NewBuilder(colNivelTeles)
	levels := 0
	for _, r := range records {
		if r.DataHora == nil || r.TipoDado == nil || r.Nivel == nil {
			return series.Table{}, formatError("%s: record without DataHora, TipoDado or Nivel", NameANA)
		}
		kind, err := strconv.Atoi(strings.TrimSpace(*r.TipoDado))
		if err != nil || kind != anaTypeLevel {
			continue
		}
		ts, err := parseTime(*r.DataHora, anaTimeLayout, anaTimeLayout2, time.RFC3339)
		if err != nil {
			return series.Table{}, err
		}
		levels++
		b.Set(ts, colNivelTeles, parseNumber(*r.Nivel))
	}
	if levels == 0 {
		p.opts.Logger.Warnw("station has no level readings", "station", p.station)
	}
	return b.Build()
}

// decodeANA collects every record element regardless of its depth in the
// SOAP envelope.
func decodeANA(body []byte) ([]anaRecord, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var out []anaRecord
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid ANA XML"), collect.ErrFormat)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != anaRecordTag {
			continue
		}
		var r anaRecord
		if err := dec.DecodeElement(&r, &start); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid ANA record"), collect.ErrFormat)
		}
		out = append(out, r)
	}
}
