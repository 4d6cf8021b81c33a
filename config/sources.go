package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"data_gateway/models"
)

// SourceSeed is one entry of the sources seed file
type SourceSeed struct {
	Provider           string `yaml:"provider"`
	Market             string `yaml:"market"`
	Kind               string `yaml:"kind"`
	Enabled            *bool  `yaml:"enabled"`
	Priority           int    `yaml:"priority"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RateLimitPerHour   int    `yaml:"rate_limit_per_hour"`
}

type sourcesFile struct {
	Sources []SourceSeed `yaml:"sources"`
}

// LoadSources reads the seed file. ${VAR} references are expanded first.
func LoadSources(path string) ([]SourceSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var f sourcesFile
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	return f.Sources, nil
}

// ToModel converts a seed into a Source. Validation is left to the registry.
func (s SourceSeed) ToModel() models.Source {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return models.Source{
		ProviderCode:       s.Provider,
		MarketCode:         s.Market,
		DataKind:           models.DataKind(s.Kind),
		Enabled:            enabled,
		PriorityRank:       s.Priority,
		RateLimitPerMinute: s.RateLimitPerMinute,
		RateLimitPerHour:   s.RateLimitPerHour,
	}
}

// DefaultSources builds the seed from the provider toggles when no seed
// file is configured. The free source leads for quotes, the history
// source for klines, and the commercial source backs both up. Money flow
// and sector boards only come from the commercial source.
func (c *Config) DefaultSources() []SourceSeed {
	var out []SourceSeed
	add := func(provider string, enabled bool, priority, perMinute int, kinds []models.DataKind, markets []string) {
		on := enabled
		for _, m := range markets {
			for _, k := range kinds {
				out = append(out, SourceSeed{
					Provider:           provider,
					Market:             m,
					Kind:               string(k),
					Enabled:            &on,
					Priority:           priority,
					RateLimitPerMinute: perMinute,
				})
			}
		}
	}

	equities := []string{models.MarketCNA, models.MarketHK, models.MarketUS}
	all := []models.DataKind{models.KindQuote, models.KindKline, models.KindFundamental}

	add(ProviderFree, c.FreeEnabled, 1, 60, all, equities)
	add(ProviderFree, c.FreeEnabled, 1, 60, []models.DataKind{models.KindQuote, models.KindKline},
		[]string{models.MarketFutures, models.MarketEconomic})
	add(ProviderHistory, c.HistoryEnabled, 2, 30, []models.DataKind{models.KindKline}, []string{models.MarketCNA})
	add(ProviderCommercial, c.CommercialEnabled, 3, 120, all, []string{models.MarketCNA})
	add(ProviderCommercial, c.CommercialEnabled, 1, 120, []models.DataKind{models.KindMoneyFlow, models.KindSector},
		[]string{models.MarketCNA})
	return out
}

// Provider codes for the built-in adapters
const (
	ProviderFree       = "akshare"
	ProviderHistory    = "baostock"
	ProviderCommercial = "miana"
)
