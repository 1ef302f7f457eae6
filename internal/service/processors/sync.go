// Package processors holds the typed consumers bound to each queue: provider
// sync, categorization, ESG refresh, valuation snapshots, email delivery,
// property valuation, and the recurring maintenance kinds.
package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// SyncProcessor runs one provider synchronization per job.
type SyncProcessor struct {
	conns     domain.ConnectionRepository
	providers domain.ProviderRegistry
	cipher    domain.TokenCipher
	clock     clockx.Clock
}

// NewSyncProcessor wires the sync consumer.
func NewSyncProcessor(conns domain.ConnectionRepository, providers domain.ProviderRegistry, cipher domain.TokenCipher, clock clockx.Clock) *SyncProcessor {
	return &SyncProcessor{conns: conns, providers: providers, cipher: cipher, clock: clock}
}

// Process loads the connection, verifies ownership, decrypts the stored token,
// calls the provider adapter, and writes the sync result back.
func (p *SyncProcessor) Process(ctx context.Context, jc domain.JobContext) error {
	var payload domain.SyncPayload
	if err := json.Unmarshal(jc.Payload, &payload); err != nil {
		return fmt.Errorf("op=processors.Sync: %w: %v", domain.ErrInvalidArgument, err)
	}
	var conn domain.Connection
	if payload.ConnectionID == "" {
		// Wallet-scan sync without a stored connection record.
		conn = domain.Connection{UserID: payload.UserID, Provider: payload.Provider}
	} else {
		var err error
		conn, err = p.conns.Get(ctx, payload.ConnectionID)
		if err != nil {
			return fmt.Errorf("op=processors.Sync connection=%s: %w", payload.ConnectionID, err)
		}
		if conn.UserID != payload.UserID {
			return fmt.Errorf("op=processors.Sync: %w: connection %s does not belong to user %s",
				domain.ErrNotFound, payload.ConnectionID, payload.UserID)
		}
	}
	adapter, ok := p.providers.Adapter(payload.Provider)
	if !ok {
		return fmt.Errorf("op=processors.Sync: %w: no adapter for provider %s",
			domain.ErrInvalidArgument, payload.Provider)
	}
	token := ""
	if len(conn.EncryptedToken) > 0 {
		var err error
		token, err = p.cipher.Decrypt(conn.EncryptedToken)
		if err != nil {
			return fmt.Errorf("op=processors.Sync connection=%s: %w: %v",
				payload.ConnectionID, domain.ErrInfrastructure, err)
		}
	}

	started := p.clock.Now()
	result, err := adapter.Sync(ctx, conn, token, payload.FullSync)
	if err != nil {
		return fmt.Errorf("op=processors.Sync provider=%s: %w: %v",
			payload.Provider, domain.ErrProvider, err)
	}
	res := domain.SyncResult{
		LastSyncAt:         p.clock.Now(),
		LastSyncResult:     result,
		LastSyncDurationMs: p.clock.Now().Sub(started).Milliseconds(),
	}
	if conn.ID != "" {
		if err := p.conns.UpdateSyncResult(ctx, conn.ID, res); err != nil {
			return fmt.Errorf("op=processors.Sync connection=%s: %w: %v",
				payload.ConnectionID, domain.ErrInfrastructure, err)
		}
	}
	slog.Info("provider sync finished",
		slog.String("provider", payload.Provider),
		slog.String("connection_id", conn.ID),
		slog.Bool("full_sync", payload.FullSync),
		slog.Int64("duration_ms", res.LastSyncDurationMs))
	return nil
}
