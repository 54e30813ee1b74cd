// internal/strategy/registry.go
package strategy

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"

	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// Config is a strategy's free-form settings as supplied by an operator.
type Config map[string]interface{}

// Clone returns a shallow copy of c.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// MergeConfig returns base overlaid with over. Nested maps are merged key
// by key; any other value in over replaces the one in base.
func MergeConfig(base, over Config) Config {
	out := base.Clone()
	for k, v := range over {
		if nested, ok := asConfig(v); ok {
			if prev, ok := asConfig(out[k]); ok {
				out[k] = MergeConfig(prev, nested)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func asConfig(v interface{}) (Config, bool) {
	switch m := v.(type) {
	case Config:
		return m, true
	case map[string]interface{}:
		return Config(m), true
	}
	return nil, false
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return nil, fmt.Errorf("cannot convert %T to decimal", data)
}

// Decode fills out from cfg using mapstructure tags. Durations accept
// strings such as "6h"; decimals accept strings and numbers.
func Decode(cfg Config, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		Squash:           true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHook,
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]interface{}(cfg)); err != nil {
		return tradeerr.Wrap(tradeerr.KindConfiguration, "strategy.decode", err)
	}
	return nil
}

// Factory builds a fresh strategy instance from a merged config.
type Factory func(ctx context.Context, id string, deps Deps, cfg Config) (Strategy, error)

// Definition registers one strategy identifier.
type Definition struct {
	ID          string
	Description string
	Defaults    Config
	Factory     Factory
}

// Registry maps strategy identifiers to factories.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def. Identifiers must be unique.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" || def.Factory == nil {
		return tradeerr.New(tradeerr.KindConfiguration, "strategy.register", "definition needs an id and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.ID]; ok {
		return tradeerr.Newf(tradeerr.KindConfiguration, "strategy.register", "strategy %q already registered", def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Describe returns the definition registered under id.
func (r *Registry) Describe(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Defaults returns a copy of id's default config.
func (r *Registry) Defaults(id string) (Config, bool) {
	def, ok := r.Describe(id)
	if !ok {
		return nil, false
	}
	return def.Defaults.Clone(), true
}

// SetDefaults overlays operator defaults onto a registered strategy.
func (r *Registry) SetDefaults(id string, over Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[id]
	if !ok {
		return tradeerr.Newf(tradeerr.KindConfiguration, "strategy.defaults", "unknown strategy %q", id)
	}
	def.Defaults = MergeConfig(def.Defaults, over)
	r.defs[id] = def
	return nil
}

// Create merges overrides over id's defaults and builds a new instance.
// It returns the merged config the instance was built with.
func (r *Registry) Create(ctx context.Context, id string, deps Deps, overrides Config) (Strategy, Config, error) {
	def, ok := r.Describe(id)
	if !ok {
		return nil, nil, tradeerr.Newf(tradeerr.KindConfiguration, "strategy.create", "unknown strategy %q", id)
	}
	merged := MergeConfig(def.Defaults, overrides)
	s, err := def.Factory(ctx, id, deps, merged)
	if err != nil {
		return nil, nil, fmt.Errorf("create strategy %s: %w", id, err)
	}
	return s, merged, nil
}

// DefaultRegistry returns a registry with every built-in strategy.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, def := range []Definition{
		{
			ID:          "arbitrage",
			Description: "Round-trip arbitrage across fee tiers",
			Defaults: Config{
				"pairs":          []interface{}{"GUSDC/GALA"},
				"trade_amount":   "10",
				"min_profit_bps": 50,
				"slippage_bps":   100,
				"max_volatility": 5.0,
				"anti_detection": true,
			},
			Factory: NewArbitrage,
		},
		{
			ID:          "triangular",
			Description: "Three-hop cycle arbitrage",
			Defaults: Config{
				"cycles":         []interface{}{"GUSDC/GALA/GWETH"},
				"trade_amount":   "10",
				"min_profit_bps": 80,
				"slippage_bps":   100,
				"anti_detection": true,
			},
			Factory: NewTriangular,
		},
		{
			ID:          "fibonacci",
			Description: "Buys retracement levels of the recent range, sells at take profit or stop loss",
			Defaults: Config{
				"token":            "GALA",
				"buy_amount_usd":   "10",
				"max_position_usd": "100",
				"levels":           []interface{}{0.236, 0.382, 0.5, 0.618, 0.786},
				"tolerance":        0.02,
				"window":           "6h",
				"take_profit_pct":  5.0,
				"stop_loss_pct":    10.0,
				"slippage_bps":     100,
				"max_volatility":   0.0,
				"anti_detection":   true,
			},
			Factory: NewFibonacci,
		},
		{
			ID:          "conservative_dca",
			Description: "Fibonacci accumulation limited to the middle levels in calm markets",
			Defaults: Config{
				"token":            "GALA",
				"buy_amount_usd":   "5",
				"max_position_usd": "50",
				"levels":           []interface{}{0.382, 0.5, 0.618},
				"tolerance":        0.015,
				"window":           "12h",
				"take_profit_pct":  3.0,
				"stop_loss_pct":    5.0,
				"slippage_bps":     50,
				"max_volatility":   2.0,
				"anti_detection":   true,
			},
			Factory: NewFibonacci,
		},
		{
			ID:          "trend",
			Description: "Enters on an upward moving-average cross, exits on reversal",
			Defaults: Config{
				"token":            "GALA",
				"buy_amount_usd":   "10",
				"max_position_usd": "50",
				"take_profit_pct":  8.0,
				"stop_loss_pct":    4.0,
				"slippage_bps":     100,
				"min_points":       20,
				"anti_detection":   true,
			},
			Factory: NewTrend,
		},
		{
			ID:          "indicator",
			Description: "RSI mean reversion",
			Defaults: Config{
				"token":            "GALA",
				"buy_amount_usd":   "10",
				"max_position_usd": "50",
				"oversold":         30.0,
				"overbought":       70.0,
				"take_profit_pct":  6.0,
				"stop_loss_pct":    5.0,
				"slippage_bps":     100,
				"min_points":       15,
				"anti_detection":   true,
			},
			Factory: NewIndicator,
		},
	} {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}
