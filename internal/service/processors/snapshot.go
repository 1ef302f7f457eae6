package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// Asset account types counted positively toward net worth; credit balances
// subtract as absolute values.
var assetTypes = map[string]bool{
	"checking":   true,
	"savings":    true,
	"investment": true,
	"crypto":     true,
}

// SnapshotProcessor upserts day-granularity valuation snapshots for a space.
type SnapshotProcessor struct {
	accounts domain.AccountRepository
	snaps    domain.SnapshotRepository
	clock    clockx.Clock
}

// NewSnapshotProcessor wires the snapshot consumer.
func NewSnapshotProcessor(accounts domain.AccountRepository, snaps domain.SnapshotRepository, clock clockx.Clock) *SnapshotProcessor {
	return &SnapshotProcessor{accounts: accounts, snaps: snaps, clock: clock}
}

// Process upserts one snapshot per account for the job's date and logs the
// resulting net worth.
func (p *SnapshotProcessor) Process(ctx context.Context, jc domain.JobContext) error {
	var payload domain.SnapshotPayload
	if err := json.Unmarshal(jc.Payload, &payload); err != nil {
		return fmt.Errorf("op=processors.Snapshot: %w: %v", domain.ErrInvalidArgument, err)
	}
	date := payload.Date
	if date == "" {
		date = p.clock.Now().UTC().Format("2006-01-02")
	}
	accounts, err := p.accounts.ListBySpace(ctx, payload.SpaceID)
	if err != nil {
		return fmt.Errorf("op=processors.Snapshot space=%s: %w: %v",
			payload.SpaceID, domain.ErrInfrastructure, err)
	}

	var totalAssets, totalLiabilities float64
	snapshots := 0
	for _, a := range accounts {
		if err := p.snaps.Upsert(ctx, domain.Snapshot{
			AccountID: a.ID,
			SpaceID:   a.SpaceID,
			Date:      date,
			Balance:   a.Balance,
			Currency:  a.Currency,
		}); err != nil {
			return fmt.Errorf("op=processors.Snapshot account=%s: %w: %v",
				a.ID, domain.ErrInfrastructure, err)
		}
		snapshots++
		switch {
		case assetTypes[a.Type]:
			totalAssets += a.Balance
		case a.Type == "credit":
			totalLiabilities += math.Abs(a.Balance)
		}
	}
	slog.Info("valuation snapshot finished",
		slog.String("space_id", payload.SpaceID),
		slog.String("date", date),
		slog.Int("accounts", len(accounts)),
		slog.Int("snapshots", snapshots),
		slog.Float64("net_worth", totalAssets-totalLiabilities),
		slog.Float64("total_assets", totalAssets),
		slog.Float64("total_liabilities", totalLiabilities))
	return nil
}
