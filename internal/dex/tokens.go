// internal/dex/tokens.go
package dex

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

// Token describes a tradable asset known to the engine.
type Token struct {
	Symbol   string `yaml:"symbol"`
	Key      string `yaml:"key"`
	Decimals int32  `yaml:"decimals"`
	// Stable marks a USD-pegged token used as the pricing numeraire.
	Stable bool `yaml:"stable"`
}

type tokenFile struct {
	Tokens []Token `yaml:"tokens"`
}

// TokenRegistry resolves symbols to tokens. It is read-only after construction.
type TokenRegistry struct {
	bySymbol map[string]Token
}

// NewTokenRegistry builds a registry from an explicit token list.
func NewTokenRegistry(tokens []Token) (*TokenRegistry, error) {
	r := &TokenRegistry{bySymbol: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if sym == "" {
			return nil, tradeerr.New(tradeerr.KindConfiguration, "tokens", "token with empty symbol")
		}
		if _, dup := r.bySymbol[sym]; dup {
			return nil, tradeerr.Newf(tradeerr.KindConfiguration, "tokens", "duplicate token %s", sym)
		}
		t.Symbol = sym
		if t.Key == "" {
			t.Key = sym
		}
		r.bySymbol[sym] = t
	}
	return r, nil
}

// LoadTokenRegistry reads a YAML token list from path.
func LoadTokenRegistry(path string) (*TokenRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokens file: %w", err)
	}

	var f tokenFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, tradeerr.Wrap(tradeerr.KindConfiguration, "tokens", fmt.Errorf("parse %s: %w", path, err))
	}
	return NewTokenRegistry(f.Tokens)
}

// Resolve returns the token for symbol or a configuration error.
func (r *TokenRegistry) Resolve(symbol string) (Token, error) {
	t, ok := r.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return Token{}, tradeerr.Newf(tradeerr.KindConfiguration, "tokens", "unknown token %s", symbol)
	}
	return t, nil
}

// Symbols returns all known symbols in sorted order.
func (r *TokenRegistry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stable returns the first stable token by symbol order.
func (r *TokenRegistry) Stable() (Token, bool) {
	for _, s := range r.Symbols() {
		if t := r.bySymbol[s]; t.Stable {
			return t, true
		}
	}
	return Token{}, false
}
