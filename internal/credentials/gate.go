// Package credentials validates API keys and bootstraps third-party clients
// before any source is collected.
package credentials

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/logger"
)

const (
	// Placeholder marks a key that was never filled in.
	Placeholder = "COLE_SUA_CHAVE"

	EarthEngineScope = "https://www.googleapis.com/auth/earthengine"
	DefaultCDSAPIURL = "https://cds.climate.copernicus.eu/api"
)

// Config holds everything the gate checks.
type Config struct {
	QuandlAPIKey      string
	CDSAPIKey         string
	CDSAPIURL         string
	CDSRCPath         string
	EEProject         string
	EEFallbackProject string
}

// CredentialsFinder locates Google credentials for the given scopes.
type CredentialsFinder func(ctx context.Context, scopes ...string) (*google.Credentials, error)

// Gate is the collect.Gate for the production sources. After a successful
// ValidateAndInitialize it also serves as the Earth Engine session.
type Gate struct {
	cfg  Config
	find CredentialsFinder
	log  *zap.SugaredLogger

	mu      sync.RWMutex
	ts      oauth2.TokenSource
	project string
}

type Option func(*Gate)

func WithCredentialsFinder(f CredentialsFinder) Option {
	return func(g *Gate) { g.find = f }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

func New(cfg Config, opts ...Option) *Gate {
	if cfg.CDSAPIURL == "" {
		cfg.CDSAPIURL = DefaultCDSAPIURL
	}
	g := &Gate{cfg: cfg, find: google.FindDefaultCredentials, log: logger.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ collect.Gate = (*Gate)(nil)

// ValidateAndInitialize checks the API keys, writes the CDS client config if
// it is missing and obtains an Earth Engine token. Any failure aborts the run.
func (g *Gate) ValidateAndInitialize(ctx context.Context) error {
	if err := g.checkKeys(); err != nil {
		return err
	}
	g.log.Info("API keys (Quandl, CDS) present")

	if err := g.ensureCDSRC(); err != nil {
		return err
	}

	if err := g.initEarthEngine(ctx); err != nil {
		return err
	}
	return nil
}

func (g *Gate) checkKeys() error {
	var bad []string
	for name, key := range map[string]string{
		"QUANDL_API_KEY": g.cfg.QuandlAPIKey,
		"CDS_API_KEY":    g.cfg.CDSAPIKey,
	} {
		if key == "" || strings.Contains(key, Placeholder) {
			bad = append(bad, name)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	slices.Sort(bad)
	err := errors.Newf("missing or placeholder API keys: %s", strings.Join(bad, ", "))
	return errors.Mark(errors.WithHint(err, "set the keys in the environment or .env file"), collect.ErrCredentials)
}

type cdsRC struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

func (g *Gate) ensureCDSRC() error {
	path := g.cfg.CDSRCPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Mark(errors.Wrap(err, "locate home directory"), collect.ErrCredentials)
		}
		path = filepath.Join(home, ".cdsapirc")
	}

	if _, err := os.Stat(path); err == nil {
		g.log.Infow(".cdsapirc found", logger.FieldPath, path)
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Mark(errors.Wrapf(err, "stat %s", path), collect.ErrCredentials)
	}

	g.log.Warnw(".cdsapirc not found, creating", logger.FieldPath, path)
	body, err := yaml.Marshal(cdsRC{URL: g.cfg.CDSAPIURL, Key: g.cfg.CDSAPIKey})
	if err != nil {
		return errors.Wrap(err, "encode .cdsapirc")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Mark(errors.Wrapf(err, "create %s", filepath.Dir(path)), collect.ErrCredentials)
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return errors.Mark(errors.Wrapf(err, "write %s", path), collect.ErrCredentials)
	}
	return nil
}

func (g *Gate) initEarthEngine(ctx context.Context) error {
	g.log.Info("initializing Earth Engine")
	creds, err := g.find(ctx, EarthEngineScope)
	if err != nil {
		err = errors.WithHint(errors.Wrap(err, "find Google credentials"),
			"run 'gcloud auth application-default login' or set GOOGLE_APPLICATION_CREDENTIALS")
		return errors.Mark(err, collect.ErrCredentials)
	}

	project := creds.ProjectID
	switch {
	case project != "":
	case g.cfg.EEProject != "":
		project = g.cfg.EEProject
	case g.cfg.EEFallbackProject != "":
		g.log.Warnw("no default Earth Engine project, using fallback", "project", g.cfg.EEFallbackProject)
		project = g.cfg.EEFallbackProject
	default:
		return errors.Mark(errors.WithHint(errors.New("no Earth Engine project configured"),
			"set EE_PROJECT"), collect.ErrCredentials)
	}

	tok, err := creds.TokenSource.Token()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "obtain Earth Engine token"), collect.ErrCredentials)
	}

	g.mu.Lock()
	g.ts = oauth2.ReuseTokenSource(tok, creds.TokenSource)
	g.project = project
	g.mu.Unlock()

	g.log.Infow("Earth Engine initialized", "project", project)
	return nil
}

// TokenSource returns the Earth Engine token source, or nil before a
// successful ValidateAndInitialize.
func (g *Gate) TokenSource() oauth2.TokenSource {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ts
}

// Project returns the resolved Earth Engine project.
func (g *Gate) Project() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.project
}
