package config

import (
	"fmt"
	"time"

	"github.com/modelgate/modelgate/internal/infrastructure/credentials"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
)

// BuildTable compiles the declarative config into an immutable routing
// table. The table is validated before it is returned; an invalid config
// never reaches the holder.
func BuildTable(cfg *Config) (*routing.Table, error) {
	pipelines := make(map[string]*routing.PipelineEntry)
	for _, p := range cfg.Providers {
		for _, m := range p.Models {
			entry := &routing.PipelineEntry{
				ProviderID:       p.ID,
				ProviderType:     routing.ProviderType(p.Type),
				EndpointURL:      p.Endpoint,
				CredentialRef:    p.ID,
				UpstreamModel:    m.UpstreamModel,
				Weight:           m.Weight,
				MaxConcurrent:    m.MaxConcurrent,
				Timeout:          m.Timeout,
				MaxRetries:       m.MaxRetries,
				DefaultMaxTokens: m.DefaultMaxTokens,
				Hints: routing.CompatibilityHints{
					BufferToolCalls: m.Hints.BufferToolCalls,
					ForceStream:     routing.ForceStream(m.Hints.ForceStream),
					ContentShape:    m.Hints.ContentShape,
					MaxTokensCap:    m.Hints.MaxTokensCap,
				},
			}
			if p.APIKey == "" {
				entry.CredentialRef = ""
			}
			entry.Normalize()
			if _, dup := pipelines[entry.ID]; dup {
				return nil, fmt.Errorf("config: duplicate pipeline %q", entry.ID)
			}
			pipelines[entry.ID] = entry
		}
	}

	table := &routing.Table{
		Categories:      make(map[routing.Category]*routing.CategoryRoute),
		DefaultCategory: routing.Category(cfg.Routing.DefaultCategory),
		BuiltAt:         time.Now(),
	}

	for name, cc := range cfg.Routing.Categories {
		route := &routing.CategoryRoute{
			Strategy:     routing.Strategy(cc.Strategy),
			BaseStrategy: routing.Strategy(cc.BaseStrategy),
			StickyTTL:    cc.StickyTTL,
		}
		if route.Strategy == "" {
			route.Strategy = routing.StrategyRoundRobin
		}
		for _, ref := range cc.Pipelines {
			entry, ok := pipelines[ref]
			if !ok {
				return nil, fmt.Errorf("config: category %q references unknown pipeline %q", name, ref)
			}
			route.Entries = append(route.Entries, entry)
		}
		table.Categories[routing.Category(name)] = route
	}

	// Providers with no category binding still deserve a route: an absent
	// default category collects every pipeline in declaration order.
	if _, ok := table.Categories[table.DefaultCategory]; !ok {
		all := &routing.CategoryRoute{Strategy: routing.StrategyRoundRobin}
		for _, p := range cfg.Providers {
			for _, m := range p.Models {
				id := fmt.Sprintf("%s/%s", p.ID, m.UpstreamModel)
				if e, ok := pipelines[id]; ok {
					all.Entries = append(all.Entries, e)
				}
			}
		}
		table.Categories[table.DefaultCategory] = all
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// BuildCredentials creates a store with one credential per provider,
// keyed by provider id.
func BuildCredentials(cfg *Config) (*credentials.Store, error) {
	store := credentials.NewStore()
	if err := RegisterCredentials(store, cfg); err != nil {
		return nil, err
	}
	return store, nil
}

// RegisterCredentials (re-)registers provider credentials on an existing
// store. Used on hot reload so in-flight requests keep their store
// reference. The auth mechanism follows the provider type.
func RegisterCredentials(store *credentials.Store, cfg *Config) error {
	for _, p := range cfg.Providers {
		if p.APIKey == "" {
			continue
		}
		switch routing.ProviderType(p.Type) {
		case routing.ProviderAnthropic:
			store.Register(p.ID, &credentials.APIKey{Header: "x-api-key", Value: p.APIKey})
		case routing.ProviderGemini:
			store.Register(p.ID, &credentials.QueryKey{Param: "key", Value: p.APIKey})
		case routing.ProviderOpenAICompatible, routing.ProviderCodeWhisperer:
			store.Register(p.ID, &credentials.Bearer{Token: p.APIKey})
		default:
			return fmt.Errorf("config: provider %q has unknown type %q", p.ID, p.Type)
		}
	}
	return nil
}

// BuildClassifier maps the config section onto the classifier rules.
func BuildClassifier(cfg *Config) routing.ClassifierConfig {
	return routing.ClassifierConfig{
		LongContextTokens:  cfg.Classifier.LongContextTokens,
		SearchTools:        cfg.Classifier.SearchTools,
		BackgroundPatterns: cfg.Classifier.BackgroundPatterns,
	}
}

// BuildRegistryConfig maps breaker and probe tuning onto the registry.
func BuildRegistryConfig(cfg *Config) routing.RegistryConfig {
	return routing.RegistryConfig{
		Breaker: routing.BreakerConfig{
			FailureThreshold:  cfg.Breaker.FailureThreshold,
			RecoveryTimeout:   cfg.Breaker.RecoveryTimeout,
			MaxRecoveryDelay:  cfg.Breaker.MaxRecoveryDelay,
			HalfOpenMaxProbes: cfg.Breaker.HalfOpenMaxProbes,
		},
		ProbeInterval:         cfg.Probes.Interval,
		ProbeTimeout:          cfg.Probes.Timeout,
		ProbeFailureThreshold: cfg.Probes.FailureThreshold,
	}
}
