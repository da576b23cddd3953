package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/series"
)

const (
	NameCHIRPS        = "clima_chirps_gee"
	NameMODISNDVI     = "satelite_modis_ndvi"
	earthEngineURL    = "https://earthengine.googleapis.com"
	colPrecCHIRPS     = "prec_chirps_mm"
	colNDVIMODISMean  = "ndvi_modis_mean"
	eeFeatureLimit    = 10000
	eeMappingArgument = "_MAPPING_VAR_0_0"
)

// MatoGrossoAOI is the area of interest as [west, south, east, north].
var MatoGrossoAOI = [4]float64{-58.0, -16.0, -54.0, -12.0}

// EarthEngineSession hands the credentials validated before the run to the
// Earth Engine fetchers.
type EarthEngineSession interface {
	TokenSource() oauth2.TokenSource
	Project() string
}

// EarthEngine computes a per-image regional mean of one band of an image
// collection through the Earth Engine REST API (value:compute).
type EarthEngine struct {
	name       string
	collection string
	band       string
	scale      float64
	column     string
	divisor    float64
	aoi        [4]float64

	session EarthEngineSession
	opts    Options
	client  *Client
	chain   *collect.Chain
}

// NewCHIRPS returns the CHIRPS daily precipitation fetcher.
func NewCHIRPS(session EarthEngineSession, opts Options) *EarthEngine {
	return newEarthEngine(NameCHIRPS, "UCSB-CHG/CHIRPS/DAILY", "precipitation", 5566, colPrecCHIRPS, 1, session, opts)
}

// NewMODISNDVI returns the MODIS MOD13A1 NDVI fetcher. Raw NDVI is scaled by 1/10000.
func NewMODISNDVI(session EarthEngineSession, opts Options) *EarthEngine {
	return newEarthEngine(NameMODISNDVI, "MODIS/061/MOD13A1", "NDVI", 500, colNDVIMODISMean, 10000, session, opts)
}

func newEarthEngine(name, collection, band string, scale float64, column string, divisor float64,
	session EarthEngineSession, opts Options) *EarthEngine {
	opts = opts.withDefaults(earthEngineURL, 30*time.Second)
	p := &EarthEngine{
		name:       name,
		collection: collection,
		band:       band,
		scale:      scale,
		column:     column,
		divisor:    divisor,
		aoi:        MatoGrossoAOI,
		session:    session,
		opts:       opts,
		client:     opts.client(name, false),
	}
	p.chain = opts.chain(name, collect.Attempt{Name: "value:compute", Do: p.fetch})
	return p
}

func (p *EarthEngine) Fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	p.client.Reset()
	return p.chain.Fetch(ctx, w)
}

type eeFeatureCollection struct {
	Result *struct {
		Features []struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"features"`
	} `json:"result"`
}

func (p *EarthEngine) fetch(ctx context.Context, w collect.Window) (series.Table, error) {
	if p.session == nil || p.session.TokenSource() == nil {
		return series.Table{}, errors.Mark(errors.Newf("%s: earth engine session not initialized", p.name), collect.ErrCredentials)
	}
	project := p.session.Project()
	if project == "" {
		return series.Table{}, errors.Mark(errors.Newf("%s: earth engine project not set", p.name), collect.ErrCredentials)
	}

	body, err := json.Marshal(map[string]any{"expression": p.expression(w)})
	if err != nil {
		return series.Table{}, errors.Wrap(err, "encode expression")
	}
	endpoint := fmt.Sprintf("%s/v1/projects/%s/value:compute", p.opts.BaseURL, project)

	resp, err := p.client.Do(ctx, func() (*http.Request, error) {
		tok, err := p.session.TokenSource().Token()
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "earth engine token"), collect.ErrCredentials)
		}
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tok.SetAuthHeader(req)
		return req, nil
	})
	if err != nil {
		return series.Table{}, err
	}

	var fc eeFeatureCollection
	if err := json.Unmarshal(resp, &fc); err != nil {
		return series.Table{}, errors.Mark(errors.Wrapf(err, "%s: decode response", p.name), collect.ErrFormat)
	}
	if fc.Result == nil {
		return series.Table{}, formatError("%s: response has no result", p.name)
	}

	b := series.NewBuilder(p.column)
	for _, f := range fc.Result.Features {
		var date string
		if err := json.Unmarshal(f.Properties["date"], &date); err != nil {
			return series.Table{}, formatError("%s: feature without date", p.name)
		}
		ts, err := parseTime(date, time.DateOnly)
		if err != nil {
			return series.Table{}, err
		}
		var v number
		if raw, ok := f.Properties["value"]; ok {
			_ = v.UnmarshalJSON(raw)
		} else {
			v = number(series.Null)
		}
		b.Set(ts, p.column, v.Float()/p.divisor)
	}
	return b.Build()
}

// eeNode is one value node of an Earth Engine expression graph.
type eeNode map[string]any

func eeConstant(v any) eeNode { return eeNode{"constantValue": v} }

func eeArgument(name string) eeNode { return eeNode{"argumentReference": name} }

func eeCall(function string, args map[string]eeNode) eeNode {
	return eeNode{"functionInvocationValue": map[string]any{
		"functionName": function,
		"arguments":    args,
	}}
}

// expression builds the graph for
//
//	ImageCollection(collection).filterDate(start, end)
//	  .map(img -> Feature(null, {date, value: mean of band over the AOI}))
//	  .limit(10000)
func (p *EarthEngine) expression(w collect.Window) map[string]any {
	image := eeCall("Image.select", map[string]eeNode{
		"input":         eeArgument(eeMappingArgument),
		"bandSelectors": eeConstant([]string{p.band}),
	})
	stats := eeCall("Image.reduceRegion", map[string]eeNode{
		"image":   image,
		"reducer": eeCall("Reducer.mean", map[string]eeNode{}),
		"geometry": eeCall("GeometryConstructors.Rectangle", map[string]eeNode{
			"coordinates": eeConstant(p.aoi[:]),
			"geodesic":    eeConstant(false),
		}),
		"scale": eeConstant(p.scale),
	})
	feature := eeCall("Feature", map[string]eeNode{
		"geometry": eeConstant(nil),
		"metadata": {"dictionaryValue": map[string]any{"values": map[string]eeNode{
			"date": eeCall("Date.format", map[string]eeNode{
				"date":   eeCall("Image.date", map[string]eeNode{"image": eeArgument(eeMappingArgument)}),
				"format": eeConstant("YYYY-MM-dd"),
			}),
			"value": eeCall("Dictionary.get", map[string]eeNode{
				"dictionary":   stats,
				"key":          eeConstant(p.band),
				"defaultValue": eeConstant(nil),
			}),
		}}},
	})

	filtered := eeCall("Collection.filter", map[string]eeNode{
		"collection": eeCall("ImageCollection.load", map[string]eeNode{"id": eeConstant(p.collection)}),
		"filter": eeCall("Filter.dateRangeContains", map[string]eeNode{
			"leftValue": eeCall("DateRange", map[string]eeNode{
				"start": eeConstant(w.Start.Format(time.DateOnly)),
				"end":   eeConstant(w.End.Format(time.DateOnly)),
			}),
			"rightField": eeConstant("system:time_start"),
		}),
	})
	mapped := eeCall("Collection.map", map[string]eeNode{
		"collection": filtered,
		"baseAlgorithm": {"functionDefinitionValue": map[string]any{
			"argumentNames": []string{eeMappingArgument},
			"body":          "1",
		}},
	})

	return map[string]any{
		"result": "0",
		"values": map[string]eeNode{
			"0": eeCall("Collection.limit", map[string]eeNode{
				"collection": mapped,
				"limit":      eeConstant(eeFeatureLimit),
			}),
			"1": feature,
		},
	}
}
