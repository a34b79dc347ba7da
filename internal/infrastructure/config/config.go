// Package config loads and validates the gateway's configuration tree.
// Grounded on the teacher's own Load/setDefaults shape (viper, mapstructure
// tags, one struct tree) — narrowed to exactly the fields spec §6 names
// (server listeners, dumps directory, the per-tier model/variant catalog)
// instead of the teacher's agent/telegram/memory tree.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
)

// ServerConfig is server.* in the config file.
type ServerConfig struct {
	ListenV4          string `mapstructure:"listen_v4"`
	ListenV6          string `mapstructure:"listen_v6"`
	DumpsDir          string `mapstructure:"dumps_dir"`
	ClearDumpsOnStart bool   `mapstructure:"clear_dumps_on_start"`
}

// VariantConfig is one entry of models[i].variants.
type VariantConfig struct {
	Binary               string        `mapstructure:"binary"`
	Args                 []string      `mapstructure:"args"`
	Connect              string        `mapstructure:"connect"`
	Context              int           `mapstructure:"context"`
	Tokenize             bool          `mapstructure:"tokenize"`
	EngineStartupTimeout time.Duration `mapstructure:"engine_startup_timeout"`
	HealthCheckTimeout   time.Duration `mapstructure:"health_check_timeout"`
	EngineIdleTimeout    time.Duration `mapstructure:"engine_idle_timeout"`
}

// LocalTokenizerConfig is models[i].local_tokenizer, optional.
type LocalTokenizerConfig struct {
	Binary             string   `mapstructure:"binary"`
	Args               []string `mapstructure:"args"`
	PerMessageOverhead int      `mapstructure:"per_message_overhead"`
}

// ModelConfig is one entry of models[].
type ModelConfig struct {
	Name           string                `mapstructure:"name"`
	Primary        bool                  `mapstructure:"primary"`
	Engine         string                `mapstructure:"engine"`
	LocalTokenizer *LocalTokenizerConfig `mapstructure:"local_tokenizer"`
	Variants       []VariantConfig       `mapstructure:"variants"`
}

// LogConfig controls the zap logger built at startup. Not named by spec
// §6 directly, but carried as ambient stack the way the teacher's own
// LogConfig is — every gateway needs a level/format knob.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Config is the full, validated configuration tree.
type Config struct {
	Server ServerConfig  `mapstructure:"server"`
	Models []ModelConfig `mapstructure:"models"`
	Log    LogConfig     `mapstructure:"log"`
}

// Load reads path (the file named by the CLI's required -c flag) and
// validates the result once, so no downstream component re-validates
// per request. Unlike the teacher's layered global/project merge, this
// gateway reads exactly one config file: spec §6 describes a read-only,
// single-file, hierarchical document, not a merge chain. Viper's
// AutomaticEnv is enabled with the GATEWAY prefix, so an environment
// variable named after a key (upper-cased, dots kept, e.g.
// GATEWAY_SERVER.LISTEN_V4) overrides that key's file value.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_v4", "0.0.0.0:8080")
	v.SetDefault("server.listen_v6", "none")
	v.SetDefault("server.clear_dumps_on_start", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate enforces the invariants spec §6/§3 assume but never restate
// per request: at least one live listener, every model has at least one
// variant, variants sorted by ascending context, exactly the fields a
// variant needs to be launchable.
func Validate(cfg *Config) error {
	if cfg.Server.ListenV4 == "none" && cfg.Server.ListenV6 == "none" {
		return fmt.Errorf("config: at least one of server.listen_v4, server.listen_v6 must be non-\"none\"")
	}
	if len(cfg.Models) == 0 {
		return fmt.Errorf("config: at least one model must be configured")
	}

	seenPrimary := false
	names := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.Name == "" {
			return fmt.Errorf("config: model entry missing name")
		}
		if _, dup := names[m.Name]; dup {
			return fmt.Errorf("config: duplicate model name %q", m.Name)
		}
		names[m.Name] = struct{}{}

		if m.Primary {
			seenPrimary = true
		}
		if len(m.Variants) == 0 {
			return fmt.Errorf("config: model %q must declare at least one variant", m.Name)
		}
		for i := 1; i < len(m.Variants); i++ {
			if m.Variants[i].Context < m.Variants[i-1].Context {
				return fmt.Errorf("config: model %q variants must be sorted by ascending context (index %d has context %d < preceding %d)",
					m.Name, i, m.Variants[i].Context, m.Variants[i-1].Context)
			}
		}
		for i, variant := range m.Variants {
			if variant.Binary == "" {
				return fmt.Errorf("config: model %q variant %d missing binary", m.Name, i)
			}
			if variant.Connect == "" {
				return fmt.Errorf("config: model %q variant %d missing connect", m.Name, i)
			}
			if variant.Context <= 0 {
				return fmt.Errorf("config: model %q variant %d must declare a positive context", m.Name, i)
			}
		}
	}
	if !seenPrimary {
		return fmt.Errorf("config: at least one model must be marked primary")
	}

	return nil
}

// ToDomainModels converts the validated config into the immutable domain
// model map EngineManager is constructed with.
func ToDomainModels(cfg *Config) map[string]*engine.Model {
	out := make(map[string]*engine.Model, len(cfg.Models))
	for _, m := range cfg.Models {
		tier := engine.TierSecondary
		if m.Primary {
			tier = engine.TierPrimary
		}

		var lt *engine.LocalTokenizer
		if m.LocalTokenizer != nil {
			lt = &engine.LocalTokenizer{
				Binary:             m.LocalTokenizer.Binary,
				Args:               m.LocalTokenizer.Args,
				PerMessageOverhead: m.LocalTokenizer.PerMessageOverhead,
			}
		}

		variants := make([]engine.Variant, len(m.Variants))
		for i, v := range m.Variants {
			variants[i] = engine.Variant{
				Binary:               v.Binary,
				Args:                 v.Args,
				Connect:              v.Connect,
				Context:              v.Context,
				Tokenize:             v.Tokenize,
				EngineStartupTimeout: v.EngineStartupTimeout,
				HealthCheckTimeout:   v.HealthCheckTimeout,
				EngineIdleTimeout:    v.EngineIdleTimeout,
			}
		}

		out[m.Name] = &engine.Model{
			Name:           m.Name,
			Tier:           tier,
			EngineKind:     m.Engine,
			LocalTokenizer: lt,
			Variants:       variants,
		}
	}
	return out
}
