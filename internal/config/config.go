// Package config loads the server configuration from a YAML file with
// MERIDIAN_* environment overrides, e.g. MERIDIAN_ENGINE_WORKERS overrides
// engine.workers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"meridian/internal/book"
	"meridian/internal/dispatch"
	"meridian/internal/engine"
	"meridian/internal/metrics"
)

const envPrefix = "MERIDIAN"

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type EngineConfig struct {
	Workers          int    `mapstructure:"workers"`
	QueueCapacity    int    `mapstructure:"queue_capacity"`
	EgressCapacity   int    `mapstructure:"egress_capacity"`
	EgressPolicy     string `mapstructure:"egress_policy"`
	DispatchMode     string `mapstructure:"dispatch_mode"`
	DispatchCapacity int    `mapstructure:"dispatch_capacity"`
	DispatchOverflow string `mapstructure:"dispatch_overflow"`
	Marketability    string `mapstructure:"marketability"`
	SelfTrade        string `mapstructure:"self_trade"`
}

// HTTPConfig is the order gateway listener; /metrics is served on it when
// Metrics is set.
type HTTPConfig struct {
	Address string `mapstructure:"address"`
	Port    uint16 `mapstructure:"port"`
	Metrics bool   `mapstructure:"metrics"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	def := engine.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("engine.workers", def.Workers)
	v.SetDefault("engine.queue_capacity", def.QueueCapacity)
	v.SetDefault("engine.egress_capacity", def.EgressCapacity)
	v.SetDefault("engine.egress_policy", def.EgressPolicy.String())
	v.SetDefault("engine.dispatch_mode", def.DispatchMode.String())
	v.SetDefault("engine.dispatch_capacity", def.DispatchCapacity)
	v.SetDefault("engine.dispatch_overflow", def.DispatchOverflow.String())
	v.SetDefault("engine.marketability", book.Inclusive.String())
	v.SetDefault("engine.self_trade", book.AllowSelfTrade.String())

	v.SetDefault("http.address", "0.0.0.0")
	v.SetDefault("http.port", 9001)
	v.SetDefault("http.metrics", true)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.dir", "data/journal")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "meridian.trades")

	v.SetDefault("shutdown.timeout", 10*time.Second)
}

// Load reads the configuration. An explicit path must exist; with an empty
// path meridian.yaml is looked up in ./config and the working directory, and
// defaults apply when it is absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meridian")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	log.Debug().Str("file", v.ConfigFileUsed()).Msg("config loaded")
	return &cfg, nil
}

// EngineConfig resolves the engine section into an engine.Config.
func (c *Config) EngineConfig(m *metrics.Metrics) (engine.Config, error) {
	egress, err := engine.ParseEgressPolicy(c.Engine.EgressPolicy)
	if err != nil {
		return engine.Config{}, err
	}
	mode, err := dispatch.ParseMode(c.Engine.DispatchMode)
	if err != nil {
		return engine.Config{}, err
	}
	overflow, err := dispatch.ParseOverflow(c.Engine.DispatchOverflow)
	if err != nil {
		return engine.Config{}, err
	}
	marketability, err := book.ParseMarketability(c.Engine.Marketability)
	if err != nil {
		return engine.Config{}, err
	}
	selfTrade, err := book.ParseSelfTradePolicy(c.Engine.SelfTrade)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Workers:          c.Engine.Workers,
		QueueCapacity:    c.Engine.QueueCapacity,
		EgressCapacity:   c.Engine.EgressCapacity,
		EgressPolicy:     egress,
		DispatchMode:     mode,
		DispatchCapacity: c.Engine.DispatchCapacity,
		DispatchOverflow: overflow,
		Book: book.Config{
			Marketability: marketability,
			SelfTrade:     selfTrade,
		},
		Metrics: m,
	}, nil
}
