// Package config holds the recompiler tunables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PPUREC_HIT_THRESHOLD.
const EnvPrefix = "PPUREC"

// Default settings
const (
	DefaultHitThreshold    = 100
	DefaultMaxFunctionSize = 4096
	DefaultIdleTimeout     = 250 * time.Millisecond
)

type Config struct {
	// HitThreshold is the number of trace hits before a block is compiled.
	HitThreshold uint64 `mapstructure:"hit_threshold"`

	// ExclusionRange hides compiled generations in [MinID, MaxID) from the
	// dispatcher.
	ExclusionRange bool   `mapstructure:"exclusion_range"`
	MinID          uint64 `mapstructure:"min_id"`
	MaxID          uint64 `mapstructure:"max_id"`

	// MaxFunctionSize bounds the analyzer scan, in bytes.
	MaxFunctionSize uint32        `mapstructure:"max_function_size"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`

	LogDir        string `mapstructure:"log_dir"`
	TraceDump     string `mapstructure:"trace_dump"`
	AnalysisCache string `mapstructure:"analysis_cache"`

	EagerCallees    bool `mapstructure:"eager_callees"`
	RecompileOnIdle bool `mapstructure:"recompile_on_idle"`
	StrictVerify    bool `mapstructure:"strict_verify"`
	Optimize        bool `mapstructure:"optimize"`
}

func Default() *Config {
	return &Config{
		HitThreshold:    DefaultHitThreshold,
		MaxFunctionSize: DefaultMaxFunctionSize,
		IdleTimeout:     DefaultIdleTimeout,
		Optimize:        true,
	}
}

// Load reads path (any format viper understands) over the defaults. An
// empty path applies only the defaults and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults := map[string]interface{}{}
	if err := mapstructure.Decode(Default(), &defaults); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed. path:%s, err:%w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed. path:%s, err:%w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	switch {
	case c.HitThreshold == 0:
		return fmt.Errorf("%w: hit_threshold must be at least 1", ErrInvalid)
	case c.MaxFunctionSize < 4 || c.MaxFunctionSize%4 != 0:
		return fmt.Errorf("%w: max_function_size %d is not a positive multiple of 4", ErrInvalid, c.MaxFunctionSize)
	case c.ExclusionRange && c.MinID > c.MaxID:
		return fmt.Errorf("%w: min_id %d above max_id %d", ErrInvalid, c.MinID, c.MaxID)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle_timeout must be positive", ErrInvalid)
	}
	return nil
}

// Excluded reports whether generation id is hidden from the dispatcher.
func (c *Config) Excluded(id uint64) bool {
	return c.ExclusionRange && id >= c.MinID && id < c.MaxID
}
