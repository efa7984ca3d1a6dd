package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/walterra/eddoapp-sub009/internal/classifier"
	"github.com/walterra/eddoapp-sub009/internal/engine"
	"github.com/walterra/eddoapp-sub009/internal/gateway"
	"github.com/walterra/eddoapp-sub009/internal/plugins"
	"github.com/walterra/eddoapp-sub009/internal/policy"
	"github.com/walterra/eddoapp-sub009/internal/scheduler"
)

// PolicyConfig holds the approval rules and the failure-signaling query.
type PolicyConfig struct {
	policy.Config `mapstructure:",squash"`
	FailureQuery  string `json:"failure_query" mapstructure:"failure_query"`
}

// Config holds all eddo server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string                      `json:"listen_addr" mapstructure:"listen_addr"`
	DBPath        string                      `json:"db_path" mapstructure:"db_path"`
	LogLevel      string                      `json:"log_level" mapstructure:"log_level"`
	APIToken      string                      `json:"api_token" mapstructure:"api_token"`
	PoolSize      int                         `json:"pool_size" mapstructure:"pool_size"`
	StepTimeout   time.Duration               `json:"step_timeout" mapstructure:"step_timeout"`
	Breaker       engine.CircuitBreakerConfig `json:"circuit_breaker" mapstructure:"circuit_breaker"`
	Policy        PolicyConfig                `json:"policy" mapstructure:"policy"`
	LLM           classifier.Config           `json:"llm" mapstructure:"llm"`
	TelegramToken string                      `json:"telegram_token" mapstructure:"telegram_token"`
	TelegramRate  float64                     `json:"telegram_rate" mapstructure:"telegram_rate"`
	Gateway       gateway.Config              `json:"gateway" mapstructure:"gateway"`
	Janitor       scheduler.Config            `json:"janitor" mapstructure:"janitor"`
	Plugins       []plugins.Config            `json:"plugins" mapstructure:"plugins"`
}

func eddoDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eddo"
	}
	return filepath.Join(home, ".eddo")
}

func settingsPath() string {
	return filepath.Join(eddoDir(), "settings.json")
}

func setDefaults(v *viper.Viper) {
	breaker := engine.DefaultCircuitBreakerConfig()
	gw := gateway.DefaultConfig()
	jan := scheduler.DefaultConfig()

	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("db_path", filepath.Join(eddoDir(), "eddo.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("api_token", "")
	v.SetDefault("pool_size", engine.DefaultPoolSize)
	v.SetDefault("step_timeout", 30*time.Second)
	v.SetDefault("circuit_breaker.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("circuit_breaker.cooldown", breaker.Cooldown)
	v.SetDefault("circuit_breaker.half_open_max", breaker.HalfOpenMax)
	v.SetDefault("policy.plan_rule", "")
	v.SetDefault("policy.destructive_rule", "")
	v.SetDefault("policy.failure_query", "")
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.token", "")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("telegram_token", "")
	v.SetDefault("telegram_rate", 25.0)
	v.SetDefault("gateway.runs_per_minute", gw.RunsPerMinute)
	v.SetDefault("gateway.burst", gw.Burst)
	v.SetDefault("janitor.cron", jan.Cron)
	v.SetDefault("janitor.abandon_after", jan.AbandonAfter)
	v.SetDefault("janitor.retain_completed", jan.RetainCompleted)
	v.SetDefault("janitor.batch_size", jan.BatchSize)
}

// loadConfig layers defaults, the settings file at path (ignored if missing) and
// EDDO_* environment variables.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	v.SetEnvPrefix("EDDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		PoolSize:       c.PoolSize,
		StepTimeout:    c.StepTimeout,
		FailureQuery:   c.Policy.FailureQuery,
		CircuitBreaker: c.Breaker,
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	TokenChanged    bool
	RestartNeeded   []string // fields that require a server restart
}

func (d configDiff) empty() bool {
	return !d.LogLevelChanged && !d.TokenChanged && len(d.RestartNeeded) == 0
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.APIToken != new.APIToken {
		d.TokenChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize || old.StepTimeout != new.StepTimeout || old.Breaker != new.Breaker {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.Policy != new.Policy {
		d.RestartNeeded = append(d.RestartNeeded, "policy")
	}
	if old.LLM != new.LLM {
		d.RestartNeeded = append(d.RestartNeeded, "llm")
	}
	if old.TelegramToken != new.TelegramToken || old.TelegramRate != new.TelegramRate {
		d.RestartNeeded = append(d.RestartNeeded, "telegram")
	}
	if old.Gateway != new.Gateway {
		d.RestartNeeded = append(d.RestartNeeded, "gateway")
	}
	if old.Janitor != new.Janitor {
		d.RestartNeeded = append(d.RestartNeeded, "janitor")
	}
	if !samePlugins(old.Plugins, new.Plugins) {
		d.RestartNeeded = append(d.RestartNeeded, "plugins")
	}
	return d
}

func samePlugins(a, b []plugins.Config) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.Name != y.Name || x.Command != y.Command ||
			strings.Join(x.Args, "\x00") != strings.Join(y.Args, "\x00") ||
			strings.Join(x.Env, "\x00") != strings.Join(y.Env, "\x00") {
			return false
		}
	}
	return true
}
