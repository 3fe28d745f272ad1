// Package config loads the engine's TOML configuration into strongly typed
// structs. The file is a hard startup requirement: the simulator cannot run
// without at least a [market] section and one [securities.<SYMBOL>] block.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ErrMissingConfig is returned when the configuration file does not exist.
var ErrMissingConfig = errors.New("config: missing securities configuration")

// Config is the root of the parsed configuration tree.
type Config struct {
	Market     MarketConfig              `mapstructure:"market"`
	Risk       RiskConfig                `mapstructure:"risk"`
	Securities map[string]SecurityConfig `mapstructure:"securities"`
}

// MarketConfig holds global simulation cadence parameters.
type MarketConfig struct {
	// UpdateIntervalSeconds is the wall-clock cadence between ticks.
	UpdateIntervalSeconds float64 `mapstructure:"update_interval_seconds"`
	// Seed seeds the simulator's random source; 0 means time-seeded.
	Seed int64 `mapstructure:"seed"`
}

// RiskConfig holds the risk-free rate and optional position limits.
type RiskConfig struct {
	RiskFreeRate float64 `mapstructure:"risk_free_rate"`
	// MaxPositionPerSecurity caps a user's absolute equity position per
	// symbol. Zero disables the check.
	MaxPositionPerSecurity float64 `mapstructure:"max_position_per_security"`
	// MaxGrossExposure caps a user's summed absolute equity positions
	// across all symbols. Zero disables the check.
	MaxGrossExposure float64 `mapstructure:"max_gross_exposure"`
}

// SecurityConfig holds the static per-symbol simulation parameters.
// The map is read-only after Load; reloads replace it wholesale.
type SecurityConfig struct {
	Symbol                   string    `mapstructure:"-"`
	Name                     string    `mapstructure:"name"`
	Description              string    `mapstructure:"description"`
	InitialPrice             float64   `mapstructure:"initial_price"`
	Drift                    float64   `mapstructure:"drift"`
	Volatility               float64   `mapstructure:"volatility"`
	MeanReversion            float64   `mapstructure:"mean_reversion"`
	FundamentalValue         float64   `mapstructure:"fundamental_value"`
	Liquidity                float64   `mapstructure:"liquidity"`
	Impact                   float64   `mapstructure:"impact"`
	OptionsTenors            []int     `mapstructure:"options_tenors"`             // days
	OptionsStrikeMultipliers []float64 `mapstructure:"options_strike_multipliers"` // of spot
	FuturesTenors            []int     `mapstructure:"futures_tenors"`             // days
}

// Default values for optional configuration fields.
const (
	DefaultUpdateIntervalSeconds = 5.0
	DefaultRiskFreeRate          = 0.01
	DefaultInitialPrice          = 100.0
	DefaultVolatility            = 0.2
	DefaultFundamentalValue      = 100.0
	DefaultLiquidity             = 1.0
	DefaultImpact                = 0.01

	// MinLiquidity floors the liquidity parameter so impact division is
	// always defined.
	MinLiquidity = 1e-6
)

var (
	defaultOptionsTenors            = []int{7, 30}
	defaultOptionsStrikeMultipliers = []float64{0.9, 1.0, 1.1}
	defaultFuturesTenors            = []int{30}
)

// Load reads and validates the TOML configuration at path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w at %s", ErrMissingConfig, path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Unmarshal works from flattened leaf keys, so a [securities.<SYMBOL>]
	// table with no keys yields no map entry. Recover every declared symbol
	// from the raw table; defaults fill in the rest.
	if cfg.Securities == nil {
		cfg.Securities = make(map[string]SecurityConfig)
	}
	for symbol := range v.GetStringMap("securities") {
		if _, ok := cfg.Securities[symbol]; !ok {
			cfg.Securities[symbol] = SecurityConfig{}
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Market.UpdateIntervalSeconds <= 0 {
		c.Market.UpdateIntervalSeconds = DefaultUpdateIntervalSeconds
	}
	if c.Risk.RiskFreeRate == 0 {
		c.Risk.RiskFreeRate = DefaultRiskFreeRate
	}

	// Viper lowercases table keys; symbols are canonically uppercase.
	normalized := make(map[string]SecurityConfig, len(c.Securities))
	for symbol, sc := range c.Securities {
		symbol = strings.ToUpper(symbol)
		sc.Symbol = symbol
		if sc.Name == "" {
			sc.Name = symbol
		}
		if sc.InitialPrice <= 0 {
			sc.InitialPrice = DefaultInitialPrice
		}
		if sc.Volatility < 0 {
			sc.Volatility = 0
		} else if sc.Volatility == 0 {
			sc.Volatility = DefaultVolatility
		}
		if sc.FundamentalValue == 0 {
			sc.FundamentalValue = DefaultFundamentalValue
		}
		if sc.Liquidity < MinLiquidity {
			if sc.Liquidity == 0 {
				sc.Liquidity = DefaultLiquidity
			} else {
				sc.Liquidity = MinLiquidity
			}
		}
		if sc.Impact < 0 {
			sc.Impact = 0
		} else if sc.Impact == 0 {
			sc.Impact = DefaultImpact
		}
		if len(sc.OptionsTenors) == 0 {
			sc.OptionsTenors = append([]int(nil), defaultOptionsTenors...)
		}
		if len(sc.OptionsStrikeMultipliers) == 0 {
			sc.OptionsStrikeMultipliers = append([]float64(nil), defaultOptionsStrikeMultipliers...)
		}
		if len(sc.FuturesTenors) == 0 {
			sc.FuturesTenors = append([]int(nil), defaultFuturesTenors...)
		}
		normalized[symbol] = sc
	}
	c.Securities = normalized
}

func (c *Config) validate() error {
	for symbol, sc := range c.Securities {
		for _, tenor := range sc.OptionsTenors {
			if tenor <= 0 {
				return fmt.Errorf("config: securities.%s: options tenor must be positive, got %d", symbol, tenor)
			}
		}
		for _, tenor := range sc.FuturesTenors {
			if tenor <= 0 {
				return fmt.Errorf("config: securities.%s: futures tenor must be positive, got %d", symbol, tenor)
			}
		}
		for _, mult := range sc.OptionsStrikeMultipliers {
			if mult <= 0 {
				return fmt.Errorf("config: securities.%s: strike multiplier must be positive, got %g", symbol, mult)
			}
		}
	}
	if c.Risk.MaxPositionPerSecurity < 0 || c.Risk.MaxGrossExposure < 0 {
		return errors.New("config: risk limits must not be negative")
	}
	return nil
}
