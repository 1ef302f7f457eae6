package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
)

// refreshPace spaces bulk valuation requests to respect the external API.
const refreshPace = 500 * time.Millisecond

// PropertyProcessor refreshes external property valuations.
type PropertyProcessor struct {
	valuer domain.PropertyValuer
	pace   time.Duration
	sleep  func(context.Context, time.Duration)
}

// NewPropertyProcessor wires the property valuation consumer.
func NewPropertyProcessor(valuer domain.PropertyValuer) *PropertyProcessor {
	return &PropertyProcessor{
		valuer: valuer,
		pace:   refreshPace,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Process branches on the refresh mode. Bulk refreshes pace themselves
// between requests.
func (p *PropertyProcessor) Process(ctx context.Context, jc domain.JobContext) error {
	var payload domain.PropertyValuationPayload
	if err := json.Unmarshal(jc.Payload, &payload); err != nil {
		return fmt.Errorf("op=processors.Property: %w: %v", domain.ErrInvalidArgument, err)
	}
	switch payload.Mode {
	case domain.PropertyRefreshSingle:
		if err := p.valuer.RefreshProperty(ctx, payload.PropertyID); err != nil {
			return fmt.Errorf("op=processors.Property property=%s: %w: %v",
				payload.PropertyID, domain.ErrProvider, err)
		}
		return nil
	case domain.PropertyRefreshSpace:
		ids, err := p.valuer.ListPropertyIDs(ctx, payload.SpaceID)
		if err != nil {
			return fmt.Errorf("op=processors.Property space=%s: %w: %v",
				payload.SpaceID, domain.ErrInfrastructure, err)
		}
		return p.refreshPaced(ctx, ids)
	case domain.PropertyRefreshAll:
		if !p.valuer.Available(ctx) {
			slog.Warn("property valuation api unavailable; skipping refresh-all")
			return nil
		}
		ids, err := p.valuer.ListAllPropertyIDs(ctx)
		if err != nil {
			return fmt.Errorf("op=processors.Property: %w: %v", domain.ErrInfrastructure, err)
		}
		return p.refreshPaced(ctx, ids)
	default:
		return fmt.Errorf("op=processors.Property: %w: mode %q", domain.ErrInvalidArgument, payload.Mode)
	}
}

func (p *PropertyProcessor) refreshPaced(ctx context.Context, ids []string) error {
	for i, id := range ids {
		if i > 0 {
			p.sleep(ctx, p.pace)
		}
		if err := p.valuer.RefreshProperty(ctx, id); err != nil {
			return fmt.Errorf("op=processors.Property property=%s: %w: %v",
				id, domain.ErrProvider, err)
		}
	}
	slog.Info("property valuations refreshed", slog.Int("properties", len(ids)))
	return nil
}
