package providers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/logger"
)

// Settings configures the default provider set.
type Settings struct {
	HTTP                 *http.Client
	FastTimeout          time.Duration
	ArchiveTimeout       time.Duration
	QuandlAPIKey         string
	INMETStation         string
	INMETFallbackStation string
	ANAStation           string
	Logger               *zap.SugaredLogger
	// BaseURLs overrides provider endpoints by source name.
	BaseURLs map[string]string
}

// DefaultRegistry returns every production source in checklist order.
func DefaultRegistry(s Settings, ee EarthEngineSession) (*collect.Registry, error) {
	if s.Logger == nil {
		s.Logger = logger.Nop()
	}
	opts := func(name string, timeout time.Duration) Options {
		return Options{
			HTTP:    s.HTTP,
			BaseURL: s.BaseURLs[name],
			Timeout: timeout,
			Logger:  s.Logger.With(logger.FieldSource, name),
		}
	}

	return collect.NewRegistry(
		collect.Source{Name: NameBCB, Label: "USD/BRL and Selic", Category: collect.CategoryMacro,
			Fetcher: NewBCB(opts(NameBCB, s.FastTimeout))},
		collect.Source{Name: NameIPEA, Label: "IPCA", Category: collect.CategoryMacro,
			Fetcher: NewIPEA(opts(NameIPEA, s.FastTimeout))},
		collect.Source{Name: NameCEPEA, Label: "Corn", Category: collect.CategoryMacro,
			Fetcher: NewCEPEA(opts(NameCEPEA, s.FastTimeout))},
		collect.Source{Name: NameQuandl, Label: "Soybean futures", Category: collect.CategoryMacro,
			Fetcher: NewQuandl(s.QuandlAPIKey, opts(NameQuandl, s.FastTimeout))},
		collect.Source{Name: NameINMET, Label: "Station " + s.INMETStation, Category: collect.CategoryClimate,
			Fetcher: NewINMET(s.INMETStation, s.INMETFallbackStation, opts(NameINMET, s.FastTimeout))},
		collect.Source{Name: NameCHIRPS, Label: "Precipitation (Earth Engine)", Category: collect.CategoryClimate,
			Fetcher: NewCHIRPS(ee, opts(NameCHIRPS, s.ArchiveTimeout))},
		collect.Source{Name: NameERA5, Label: "Precipitation (Open-Meteo)", Category: collect.CategoryClimate,
			Fetcher: NewERA5(opts(NameERA5, s.ArchiveTimeout))},
		collect.Source{Name: NameMODISNDVI, Label: "NDVI (Earth Engine)", Category: collect.CategorySatellite,
			Fetcher: NewMODISNDVI(ee, opts(NameMODISNDVI, s.ArchiveTimeout))},
		collect.Source{Name: NameANA, Label: "River level", Category: collect.CategoryHydrology,
			Fetcher: NewANA(s.ANAStation, opts(NameANA, s.ArchiveTimeout))},
	)
}
