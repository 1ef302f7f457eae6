package processors

import (
	"fmt"

	"github.com/fairyhunter13/finflow-jobs/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/finflow-jobs/internal/domain"
	"github.com/fairyhunter13/finflow-jobs/internal/service/jobmanager"
	"github.com/fairyhunter13/finflow-jobs/pkg/clockx"
)

// Deps bundles every collaborator the processors need.
type Deps struct {
	Connections    domain.ConnectionRepository
	Providers      domain.ProviderRegistry
	TokenCipher    domain.TokenCipher
	Categorizer    domain.Categorizer
	ESGProvider    domain.ESGProvider
	ESGCache       domain.ESGCache
	Accounts       domain.AccountRepository
	Users          domain.UserRepository
	Snapshots      domain.SnapshotRepository
	Mailer         domain.Mailer
	PropertyValuer domain.PropertyValuer
	PatternTrainer domain.PatternTrainer
	HealthProbe    domain.HealthProbe
	ProviderHealth domain.ProviderHealthRepository
	Suppressor     *rediskv.Suppressor
	Clock          clockx.Clock
}

// RegisterAll binds one processor to every consumable queue on the manager.
func RegisterAll(m *jobmanager.Manager, d Deps) error {
	bindings := map[string]domain.ProcessorFunc{
		domain.QueueSyncTransactions:       NewSyncProcessor(d.Connections, d.Providers, d.TokenCipher, d.Clock).Process,
		domain.QueueCategorizeTransactions: NewCategorizeProcessor(d.Categorizer, d.Clock).Process,
		domain.QueueESGUpdates:             NewESGProcessor(d.ESGProvider, d.ESGCache).Process,
		domain.QueueValuationSnapshots:     NewSnapshotProcessor(d.Accounts, d.Snapshots, d.Clock).Process,
		domain.QueueEmailNotifications:     NewEmailProcessor(d.Mailer).Process,
		domain.QueuePropertyValuation:      NewPropertyProcessor(d.PropertyValuer).Process,
		domain.QueueSystemMaintenance: NewMaintenanceProcessor(
			d.PatternTrainer, d.Accounts, d.Users, d.HealthProbe, d.ProviderHealth,
			m, d.Suppressor, d.Clock,
		).Process,
	}
	for queue, proc := range bindings {
		if err := m.RegisterProcessor(queue, proc); err != nil {
			return fmt.Errorf("op=processors.RegisterAll queue=%s: %w", queue, err)
		}
	}
	return nil
}
