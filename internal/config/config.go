package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/i474232898/external-factors/internal/credentials"
	"github.com/i474232898/external-factors/internal/logger"
)

// Sink kinds.
const (
	SinkFile   = "file"
	SinkBadger = "badger"
)

type AppConfig struct {
	// DataDir is where the sink writes its artifacts.
	DataDir string `validate:"required"`
	Sink    string `validate:"oneof=file badger"`

	// WindowDays is the default collection window, ending today.
	WindowDays int `validate:"min=1"`
	Workers    int `validate:"min=1"`

	QuandlAPIKey      string
	CDSAPIKey         string
	CDSAPIURL         string `validate:"omitempty,url"`
	CDSRCPath         string
	EEProject         string
	EEFallbackProject string

	INMETStation         string `validate:"required"`
	INMETFallbackStation string
	ANAStation           string `validate:"required"`

	FastTimeout    time.Duration `validate:"gt=0"`
	ArchiveTimeout time.Duration `validate:"gt=0"`

	// ScheduleInterval enables periodic runs when positive.
	ScheduleInterval time.Duration `validate:"gte=0"`

	// Run history retention.
	RunHistory int           `validate:"gte=0"` // 0 = unlimited
	RunMaxAge  time.Duration `validate:"gte=0"` // 0 = unlimited

	Port       string `validate:"required"`
	LogJSON    bool
	LogVerbose bool
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data/raw/external")
	v.SetDefault("sink", SinkFile)
	v.SetDefault("window_days", 1095) // three years
	v.SetDefault("workers", 1)

	v.SetDefault("quandl_api_key", "")
	v.SetDefault("cds_api_key", "")
	v.SetDefault("cds_api_url", credentials.DefaultCDSAPIURL)
	v.SetDefault("cds_rc_path", "")
	v.SetDefault("ee_project", "")
	v.SetDefault("ee_fallback_project", "")

	v.SetDefault("inmet_station", "A601")
	v.SetDefault("inmet_fallback_station", "A701")
	v.SetDefault("ana_station", "18580000") // Teles Pires

	v.SetDefault("fast_timeout", "20s")
	v.SetDefault("archive_timeout", "30s")
	v.SetDefault("schedule_interval", "0s")

	v.SetDefault("run_history", 100)
	v.SetDefault("run_max_age", "0s")

	v.SetDefault("port", "8080")
	v.SetDefault("log_json", false)
	v.SetDefault("log_verbose", false)
}

// Load reads configuration from a .env file, if any, and the environment.
func Load(log *zap.SugaredLogger) (*AppConfig, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := godotenv.Load(); err != nil {
		log.Infow("no .env file found or error loading it", logger.FieldError, err.Error())
	}
	return LoadWithViper(NewViper())
}

// NewViper returns a viper instance with defaults registered and environment
// lookup enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadWithViper builds and validates the configuration from v.
func LoadWithViper(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{
		DataDir:              v.GetString("data_dir"),
		Sink:                 strings.ToLower(v.GetString("sink")),
		WindowDays:           v.GetInt("window_days"),
		Workers:              v.GetInt("workers"),
		QuandlAPIKey:         v.GetString("quandl_api_key"),
		CDSAPIKey:            v.GetString("cds_api_key"),
		CDSAPIURL:            v.GetString("cds_api_url"),
		CDSRCPath:            v.GetString("cds_rc_path"),
		EEProject:            v.GetString("ee_project"),
		EEFallbackProject:    v.GetString("ee_fallback_project"),
		INMETStation:         v.GetString("inmet_station"),
		INMETFallbackStation: v.GetString("inmet_fallback_station"),
		ANAStation:           v.GetString("ana_station"),
		RunHistory:           v.GetInt("run_history"),
		Port:                 v.GetString("port"),
		LogJSON:              v.GetBool("log_json"),
		LogVerbose:           v.GetBool("log_verbose"),
	}

	var err error
	if cfg.FastTimeout, err = duration(v, "fast_timeout"); err != nil {
		return nil, err
	}
	if cfg.ArchiveTimeout, err = duration(v, "archive_timeout"); err != nil {
		return nil, err
	}
	if cfg.ScheduleInterval, err = duration(v, "schedule_interval"); err != nil {
		return nil, err
	}
	if cfg.RunMaxAge, err = duration(v, "run_max_age"); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Credentials returns the credential gate configuration.
func (c *AppConfig) Credentials() credentials.Config {
	return credentials.Config{
		QuandlAPIKey:      c.QuandlAPIKey,
		CDSAPIKey:         c.CDSAPIKey,
		CDSAPIURL:         c.CDSAPIURL,
		CDSRCPath:         c.CDSRCPath,
		EEProject:         c.EEProject,
		EEFallbackProject: c.EEFallbackProject,
	}
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", strings.ToUpper(key))
	}
	return d, nil
}
