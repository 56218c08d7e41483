package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Spend      SpendConfig      `yaml:"spend" mapstructure:"spend"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Quotas     QuotaConfig      `yaml:"quotas" mapstructure:"quotas"`
	Tiers      TierConfig       `yaml:"tiers" mapstructure:"tiers"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Sources    []SourceConfig   `yaml:"sources" mapstructure:"sources"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// BatchConfig configures batch runs.
type BatchConfig struct {
	Workers       int      `yaml:"workers" mapstructure:"workers"`
	ScoreWorkers  int      `yaml:"score_workers" mapstructure:"score_workers"`
	DeadlineSecs  int      `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	OutputSize    int      `yaml:"output_size" mapstructure:"output_size"`
	OutputDir     string   `yaml:"output_dir" mapstructure:"output_dir"`
	ExportFormats []string `yaml:"export_formats" mapstructure:"export_formats"`
}

// DedupConfig configures entity deduplication.
type DedupConfig struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	RedisURL       string  `yaml:"redis_url" mapstructure:"redis_url"`
	RedisPrefix    string  `yaml:"redis_prefix" mapstructure:"redis_prefix"`
	ClaimTTLHours  int     `yaml:"claim_ttl_hours" mapstructure:"claim_ttl_hours"`
}

// SpendConfig tunes the monthly spend estimate.
type SpendConfig struct {
	// HalfLifeDays is the age at which an observation counts half as much
	// as the freshest one.
	HalfLifeDays float64 `yaml:"half_life_days" mapstructure:"half_life_days"`
	// DefaultWindowDays is assumed when a signal does not state its window.
	DefaultWindowDays int `yaml:"default_window_days" mapstructure:"default_window_days"`
}

// RecencyBracket awards Points when the last activity is at most MaxDays old.
type RecencyBracket struct {
	MaxDays int     `yaml:"max_days" mapstructure:"max_days"`
	Points  float64 `yaml:"points" mapstructure:"points"`
}

// VarietyBracket awards Points when at least MinCreatives are active.
type VarietyBracket struct {
	MinCreatives int     `yaml:"min_creatives" mapstructure:"min_creatives"`
	Points       float64 `yaml:"points" mapstructure:"points"`
}

// ScoringConfig configures the contextual scorer.
type ScoringConfig struct {
	DemandMax float64 `yaml:"demand_max" mapstructure:"demand_max"`
	PainMax   float64 `yaml:"pain_max" mapstructure:"pain_max"`
	FitMax    float64 `yaml:"fit_max" mapstructure:"fit_max"`

	RecencyBrackets []RecencyBracket `yaml:"recency_brackets" mapstructure:"recency_brackets"`
	VarietyBrackets []VarietyBracket `yaml:"variety_brackets" mapstructure:"variety_brackets"`

	// SeverityWeights maps tech issue severity (low, medium, high) to pain points.
	SeverityWeights map[string]float64 `yaml:"severity_weights" mapstructure:"severity_weights"`

	EligibleCurrencies  []string `yaml:"eligible_currencies" mapstructure:"eligible_currencies"`
	EligibleGeographies []string `yaml:"eligible_geographies" mapstructure:"eligible_geographies"`

	ConfidenceCountWeight   float64 `yaml:"confidence_count_weight" mapstructure:"confidence_count_weight"`
	ConfidenceSpanWeight    float64 `yaml:"confidence_span_weight" mapstructure:"confidence_span_weight"`
	ConfidenceRecencyWeight float64 `yaml:"confidence_recency_weight" mapstructure:"confidence_recency_weight"`
	ConfidenceHalfLifeDays  float64 `yaml:"confidence_half_life_days" mapstructure:"confidence_half_life_days"`
	ConfidenceSpanDays      float64 `yaml:"confidence_span_days" mapstructure:"confidence_span_days"`
}

// QuotaConfig caps the share of a batch any geography or vertical may take.
// Shares are fractions of the output size. Per-key overrides apply as given,
// so 0 excludes a key; a default cap of 0 means uncapped.
type QuotaConfig struct {
	Geo                map[string]float64 `yaml:"geo" mapstructure:"geo"`
	Vertical           map[string]float64 `yaml:"vertical" mapstructure:"vertical"`
	DefaultGeoCap      float64            `yaml:"default_geo_cap" mapstructure:"default_geo_cap"`
	DefaultVerticalCap float64            `yaml:"default_vertical_cap" mapstructure:"default_vertical_cap"`
}

// TierConfig configures qualification tiers.
type TierConfig struct {
	P0Min float64 `yaml:"p0_min" mapstructure:"p0_min"`
	P1Min float64 `yaml:"p1_min" mapstructure:"p1_min"`
	P2Min float64 `yaml:"p2_min" mapstructure:"p2_min"`

	P0ConfidenceFloor float64 `yaml:"p0_confidence_floor" mapstructure:"p0_confidence_floor"`
	P1ConfidenceFloor float64 `yaml:"p1_confidence_floor" mapstructure:"p1_confidence_floor"`
	P2ConfidenceFloor float64 `yaml:"p2_confidence_floor" mapstructure:"p2_confidence_floor"`

	// MinPainForTop keeps low-pain profiles out of the top tier however
	// high their demand and fit.
	MinPainForTop float64 `yaml:"min_pain_for_top" mapstructure:"min_pain_for_top"`
}

// RulesConfig points at the vertical rule table.
type RulesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MonitoringConfig configures batch health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	MaxRejectionRate     float64 `yaml:"max_rejection_rate" mapstructure:"max_rejection_rate"`
	MaxUnclassifiedRate  float64 `yaml:"max_unclassified_rate" mapstructure:"max_unclassified_rate"`
	MaxCollectorFailures int     `yaml:"max_collector_failures" mapstructure:"max_collector_failures"`
	MinLeads             int     `yaml:"min_leads" mapstructure:"min_leads"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// SourceConfig declares one signal collector.
type SourceConfig struct {
	Name        string  `yaml:"name" mapstructure:"name"`
	Type        string  `yaml:"type" mapstructure:"type"` // file or http
	Path        string  `yaml:"path" mapstructure:"path"`
	URL         string  `yaml:"url" mapstructure:"url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	MaxPages    int     `yaml:"max_pages" mapstructure:"max_pages"`
}

func newViper() *viper.Viper {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "prospect.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.score_workers", 8)
	v.SetDefault("batch.deadline_secs", 300)
	v.SetDefault("batch.output_size", 50)
	v.SetDefault("batch.output_dir", "out")
	v.SetDefault("batch.export_formats", []string{"json", "csv"})
	v.SetDefault("dedup.fuzzy_threshold", 0.85)
	v.SetDefault("dedup.redis_prefix", "prospect")
	v.SetDefault("dedup.claim_ttl_hours", 720)
	v.SetDefault("spend.half_life_days", 60)
	v.SetDefault("spend.default_window_days", 30)
	v.SetDefault("scoring.demand_max", 4)
	v.SetDefault("scoring.pain_max", 10)
	v.SetDefault("scoring.fit_max", 3)
	v.SetDefault("scoring.recency_brackets", []map[string]any{
		{"max_days": 7, "points": 2.0},
		{"max_days": 30, "points": 1.5},
		{"max_days": 90, "points": 1.0},
		{"max_days": 180, "points": 0.5},
	})
	v.SetDefault("scoring.variety_brackets", []map[string]any{
		{"min_creatives": 10, "points": 2.0},
		{"min_creatives": 5, "points": 1.5},
		{"min_creatives": 2, "points": 1.0},
		{"min_creatives": 1, "points": 0.5},
	})
	v.SetDefault("scoring.severity_weights", map[string]float64{"low": 0.5, "medium": 1.0, "high": 2.0})
	v.SetDefault("scoring.eligible_currencies", []string{"USD", "CAD"})
	v.SetDefault("scoring.eligible_geographies", []string{})
	v.SetDefault("scoring.confidence_count_weight", 0.5)
	v.SetDefault("scoring.confidence_span_weight", 0.2)
	v.SetDefault("scoring.confidence_recency_weight", 0.3)
	v.SetDefault("scoring.confidence_half_life_days", 30)
	v.SetDefault("scoring.confidence_span_days", 90)
	v.SetDefault("quotas.default_geo_cap", 0.3)
	v.SetDefault("quotas.default_vertical_cap", 0.5)
	v.SetDefault("tiers.p0_min", 11)
	v.SetDefault("tiers.p1_min", 8)
	v.SetDefault("tiers.p2_min", 5)
	v.SetDefault("tiers.p0_confidence_floor", 0.6)
	v.SetDefault("tiers.p1_confidence_floor", 0.4)
	v.SetDefault("tiers.p2_confidence_floor", 0.0)
	v.SetDefault("tiers.min_pain_for_top", 3)
	v.SetDefault("monitoring.max_rejection_rate", 0.5)
	v.SetDefault("monitoring.max_unclassified_rate", 0.6)
	v.SetDefault("monitoring.max_collector_failures", 0)
	v.SetDefault("monitoring.min_leads", 1)
	v.SetDefault("monitoring.check_interval_secs", 60)

	return v
}

func read(v *viper.Viper) (*Config, error) {
	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return read(newViper())
}

// Watch loads the configuration and calls onChange with a freshly loaded,
// validated config whenever the config file changes. Invalid edits are
// logged and skipped so the previous config stays in force.
func Watch(onChange func(*Config)) (*Config, error) {
	v := newViper()
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			zap.L().Warn("config: reload unmarshal failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := next.Validate("run"); err != nil {
			zap.L().Warn("config: reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		zap.L().Info("config: reloaded", zap.String("file", e.Name))
		onChange(&next)
	})
	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
	}
	return cfg, nil
}

// EngineHash fingerprints the knobs that affect batch output. It is stamped
// on every batch so results can be traced to the config that produced them.
func (c *Config) EngineHash() string {
	data, _ := json.Marshal(struct {
		Dedup   DedupConfig
		Spend   SpendConfig
		Scoring ScoringConfig
		Quotas  QuotaConfig
		Tiers   TierConfig
		Rules   RulesConfig
		Size    int
	}{c.Dedup, c.Spend, c.Scoring, c.Quotas, c.Tiers, c.Rules, c.Batch.OutputSize})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:8])
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
