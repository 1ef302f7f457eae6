package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
)

// ESGProcessor refreshes sustainability data for a symbol set.
type ESGProcessor struct {
	provider domain.ESGProvider
	cache    domain.ESGCache
}

// NewESGProcessor wires the ESG consumer.
func NewESGProcessor(provider domain.ESGProvider, cache domain.ESGCache) *ESGProcessor {
	return &ESGProcessor{provider: provider, cache: cache}
}

// Process optionally clears the cache, then refreshes each symbol in order. A
// failed symbol fails the attempt; refreshes are idempotent, so the retry
// repeats the whole set.
func (p *ESGProcessor) Process(ctx context.Context, jc domain.JobContext) error {
	var payload domain.ESGPayload
	if err := json.Unmarshal(jc.Payload, &payload); err != nil {
		return fmt.Errorf("op=processors.ESG: %w: %v", domain.ErrInvalidArgument, err)
	}
	if payload.ForceRefresh {
		if err := p.cache.Clear(ctx); err != nil {
			return fmt.Errorf("op=processors.ESG: %w: %v", domain.ErrInfrastructure, err)
		}
	}
	updated := 0
	for _, symbol := range payload.Symbols {
		if err := p.provider.Refresh(ctx, symbol); err != nil {
			return fmt.Errorf("op=processors.ESG symbol=%s: %w: %v", symbol, domain.ErrProvider, err)
		}
		updated++
	}
	stats, err := p.cache.Stats(ctx)
	if err != nil {
		slog.Warn("esg cache stats unavailable", slog.Any("error", err))
	}
	slog.Info("esg refresh finished",
		slog.Int("symbols_updated", updated),
		slog.Bool("force_refresh", payload.ForceRefresh),
		slog.Any("cache_stats", stats))
	return nil
}
