package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// CategorizeProcessor batch-categorizes transactions in a space.
type CategorizeProcessor struct {
	cat   domain.Categorizer
	clock clockx.Clock
}

// NewCategorizeProcessor wires the categorization consumer.
func NewCategorizeProcessor(cat domain.Categorizer, clock clockx.Clock) *CategorizeProcessor {
	return &CategorizeProcessor{cat: cat, clock: clock}
}

// Process categorizes the listed transactions, or every uncategorized
// transaction in the space when the list is empty.
func (p *CategorizeProcessor) Process(ctx context.Context, jc domain.JobContext) error {
	var payload domain.CategorizePayload
	if err := json.Unmarshal(jc.Payload, &payload); err != nil {
		return fmt.Errorf("op=processors.Categorize: %w: %v", domain.ErrInvalidArgument, err)
	}
	started := p.clock.Now()
	categorized, total, err := p.cat.CategorizeBatch(ctx, payload.SpaceID, payload.TransactionIDs)
	if err != nil {
		return fmt.Errorf("op=processors.Categorize space=%s: %w", payload.SpaceID, err)
	}
	slog.Info("categorization finished",
		slog.String("space_id", payload.SpaceID),
		slog.Int("categorized", categorized),
		slog.Int("total", total),
		slog.Int64("duration_ms", p.clock.Now().Sub(started).Milliseconds()))
	return nil
}
