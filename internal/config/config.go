// Package config loads the engine's configuration from YAML with
// PREDICT_* environment overrides. Unknown keys are rejected.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the top-level configuration, mirroring the YAML layout.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Book    BookConfig    `mapstructure:"book"`
	AMM     AMMConfig     `mapstructure:"amm"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	SLO     SLOConfig     `mapstructure:"slo"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Taskq   TaskqConfig   `mapstructure:"taskq"`
	Journal JournalConfig `mapstructure:"journal"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig binds the HTTP listener serving /metrics, /ws and /healthz.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen-addr" validate:"required"`
}

// EngineConfig picks the matching engine used when a market spec does not
// name one.
type EngineConfig struct {
	Default string `mapstructure:"default" validate:"oneof=order-book amm"`
}

// BookConfig tunes order-book markets.
type BookConfig struct {
	PriceTicks        int64  `mapstructure:"price-ticks" validate:"gte=1"`
	MarketOrderPolicy string `mapstructure:"market-order-policy" validate:"oneof=partial-ok all-or-none"`
}

// AMMConfig tunes pool markets.
type AMMConfig struct {
	FeeBps int64 `mapstructure:"fee-bps" validate:"gte=0,lt=10000"`
}

// RiskConfig tunes the pre-trade gate.
type RiskConfig struct {
	SelfTrade    string `mapstructure:"self-trade" validate:"oneof=prevent allow"`
	MaxOrderSize int64  `mapstructure:"max-order-size" validate:"gte=0"`
}

// BreakerConfig is the default profile for named circuit breakers.
type BreakerConfig struct {
	WindowSize       int     `mapstructure:"window-size" validate:"gt=0"`
	FailureThreshold float64 `mapstructure:"failure-threshold" validate:"gte=0,lte=1"`
	SlowRate         float64 `mapstructure:"slow-rate" validate:"gte=0,lte=1"`
	SlowThresholdMs  int64   `mapstructure:"slow-threshold-ms" validate:"gte=0"`
	MinSamples       int     `mapstructure:"min-samples" validate:"gte=0"`
	CooldownMs       int64   `mapstructure:"cooldown-ms" validate:"gt=0"`
	MaxCooldownMs    int64   `mapstructure:"max-cooldown-ms" validate:"gte=0"`
	HalfOpenProbes   int     `mapstructure:"half-open-probes" validate:"gt=0"`
}

// SLOConfig declares the monitored SLOs and their window.
type SLOConfig struct {
	Window     time.Duration      `mapstructure:"window" validate:"gt=0"`
	BucketSize time.Duration      `mapstructure:"bucket-size" validate:"gt=0"`
	Targets    map[string]float64 `mapstructure:"targets" validate:"dive,gt=0,lte=1"`
}

// CacheConfig tunes the read-through cache.
type CacheConfig struct {
	L1Capacity int           `mapstructure:"l1-capacity" validate:"gt=0"`
	L1TTL      time.Duration `mapstructure:"l1-ttl" validate:"gt=0"`
	L2TTL      time.Duration `mapstructure:"l2-ttl" validate:"gt=0"`
}

// TaskqConfig tunes the background task queue.
type TaskqConfig struct {
	Workers     int           `mapstructure:"workers" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max-attempts" validate:"gt=0"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig is the retry schedule for failed tasks.
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base" validate:"gt=0"`
	Factor float64       `mapstructure:"factor" validate:"gte=1"`
	Cap    time.Duration `mapstructure:"cap" validate:"gte=0"`
	Jitter float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// JournalConfig controls event journaling. An empty dir disables it.
type JournalConfig struct {
	Dir             string `mapstructure:"dir"`
	CheckpointEvery int    `mapstructure:"checkpoint-every" validate:"gte=0"`
}

// StoreConfig binds the Postgres trade/audit store. An empty DSN disables
// persistence.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig binds the cache's L2 backend. An empty addr disables L2.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=plain json"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Server:  ServerConfig{ListenAddr: ":8080"},
		Engine:  EngineConfig{Default: "order-book"},
		Book:    BookConfig{PriceTicks: 9999, MarketOrderPolicy: "partial-ok"},
		AMM:     AMMConfig{FeeBps: 30},
		Risk:    RiskConfig{SelfTrade: "prevent", MaxOrderSize: 1_000_000},
		Breaker: BreakerConfig{WindowSize: 100, FailureThreshold: 0.5, SlowRate: 0.8, SlowThresholdMs: 2000, MinSamples: 10, CooldownMs: 10_000, MaxCooldownMs: 300_000, HalfOpenProbes: 3},
		SLO:     SLOConfig{Window: 30 * 24 * time.Hour, BucketSize: time.Hour, Targets: map[string]float64{"order_submit": 0.999, "settlement": 0.9995}},
		Cache:   CacheConfig{L1Capacity: 4096, L1TTL: 30 * time.Second, L2TTL: 5 * time.Minute},
		Taskq:   TaskqConfig{Workers: 4, MaxAttempts: 5, Backoff: BackoffConfig{Base: time.Second, Factor: 2, Cap: 5 * time.Minute, Jitter: 0.2}},
		Journal: JournalConfig{Dir: "data/journal", CheckpointEvery: 1000},
		Logging: LoggingConfig{Level: "info", Format: "plain"},
	}
}

// Load reads cfg from a YAML file, layered over defaults, with PREDICT_*
// environment overrides (dots and hyphens map to underscores, e.g.
// PREDICT_AMM_FEE_BPS). Unknown keys in the file are an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PREDICT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.listen-addr", d.Server.ListenAddr)
	v.SetDefault("engine.default", d.Engine.Default)
	v.SetDefault("book.price-ticks", d.Book.PriceTicks)
	v.SetDefault("book.market-order-policy", d.Book.MarketOrderPolicy)
	v.SetDefault("amm.fee-bps", d.AMM.FeeBps)
	v.SetDefault("risk.self-trade", d.Risk.SelfTrade)
	v.SetDefault("risk.max-order-size", d.Risk.MaxOrderSize)
	v.SetDefault("breaker.window-size", d.Breaker.WindowSize)
	v.SetDefault("breaker.failure-threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.slow-rate", d.Breaker.SlowRate)
	v.SetDefault("breaker.slow-threshold-ms", d.Breaker.SlowThresholdMs)
	v.SetDefault("breaker.min-samples", d.Breaker.MinSamples)
	v.SetDefault("breaker.cooldown-ms", d.Breaker.CooldownMs)
	v.SetDefault("breaker.max-cooldown-ms", d.Breaker.MaxCooldownMs)
	v.SetDefault("breaker.half-open-probes", d.Breaker.HalfOpenProbes)
	v.SetDefault("slo.window", d.SLO.Window)
	v.SetDefault("slo.bucket-size", d.SLO.BucketSize)
	v.SetDefault("slo.targets", d.SLO.Targets)
	v.SetDefault("cache.l1-capacity", d.Cache.L1Capacity)
	v.SetDefault("cache.l1-ttl", d.Cache.L1TTL)
	v.SetDefault("cache.l2-ttl", d.Cache.L2TTL)
	v.SetDefault("taskq.workers", d.Taskq.Workers)
	v.SetDefault("taskq.max-attempts", d.Taskq.MaxAttempts)
	v.SetDefault("taskq.backoff.base", d.Taskq.Backoff.Base)
	v.SetDefault("taskq.backoff.factor", d.Taskq.Backoff.Factor)
	v.SetDefault("taskq.backoff.cap", d.Taskq.Backoff.Cap)
	v.SetDefault("taskq.backoff.jitter", d.Taskq.Backoff.Jitter)
	v.SetDefault("journal.dir", d.Journal.Dir)
	v.SetDefault("journal.checkpoint-every", d.Journal.CheckpointEvery)
	v.SetDefault("store.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
