// Package stub provides fast, deterministic implementations of the platform
// ports for local runs. The real repositories and provider clients live in the
// host platform; these let the runner start and exercise every queue without
// it.
package stub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
)

// Spaces lists a fixed pair of workspaces.
type Spaces struct{}

func NewSpaces() *Spaces { return &Spaces{} }

func (s *Spaces) List(context.Context) ([]domain.Space, error) {
	return []domain.Space{
		{ID: "space-alpha", Name: "Alpha Household"},
		{ID: "space-beta", Name: "Beta Household"},
	}, nil
}

// Connections keeps an in-memory connection table and records sync results.
type Connections struct {
	mu    sync.Mutex
	conns map[string]domain.Connection
}

func NewConnections() *Connections {
	return &Connections{conns: map[string]domain.Connection{
		"conn-1": {ID: "conn-1", UserID: "user-1", Provider: "bitso", EncryptedToken: []byte("tok-1"), Status: "ok"},
		"conn-2": {ID: "conn-2", UserID: "user-2", Provider: "bitso", EncryptedToken: []byte("tok-2"), Status: "ok"},
	}}
}

func (c *Connections) Get(_ context.Context, id string) (domain.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	if !ok {
		return domain.Connection{}, fmt.Errorf("op=stub.Connections.Get: %w: %s", domain.ErrNotFound, id)
	}
	return conn, nil
}

func (c *Connections) ListByProvider(_ context.Context, provider string) ([]domain.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Connection
	for _, conn := range c.conns {
		if conn.Provider == provider {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (c *Connections) ListBySpace(context.Context, string) ([]domain.Connection, error) {
	return nil, nil
}

func (c *Connections) UpdateSyncResult(_ context.Context, id string, res domain.SyncResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	if !ok {
		return fmt.Errorf("op=stub.Connections.UpdateSyncResult: %w: %s", domain.ErrNotFound, id)
	}
	t := res.LastSyncAt
	conn.LastSyncAt = &t
	c.conns[id] = conn
	return nil
}

func (c *Connections) CountByActivity(context.Context, time.Duration) (int64, int64, error) {
	return 2, 0, nil
}

// Accounts serves a fixed account set across both stub spaces.
type Accounts struct{}

func NewAccounts() *Accounts { return &Accounts{} }

func (a *Accounts) ListBySpace(_ context.Context, spaceID string) ([]domain.Account, error) {
	return []domain.Account{
		{ID: spaceID + "-checking", SpaceID: spaceID, UserID: "user-1", Type: "checking", Currency: "EUR", Balance: 2500},
		{ID: spaceID + "-crypto", SpaceID: spaceID, UserID: "user-1", Type: "crypto", Provider: "bitso", Symbol: "BTC", Currency: "EUR", Balance: 900},
	}, nil
}

func (a *Accounts) ListCryptoSymbols(context.Context) ([]string, error) {
	return []string{"BTC", "ETH"}, nil
}

func (a *Accounts) ListUsersWithReadOnlyManualAccounts(context.Context) ([]string, error) {
	return []string{"user-2"}, nil
}

func (a *Accounts) ListSpacesWithProviderAccounts(context.Context) ([]string, error) {
	return []string{"space-alpha"}, nil
}

// Users serves two users, one with every notification feature enabled.
type Users struct{}

func NewUsers() *Users { return &Users{} }

func (u *Users) Get(_ context.Context, id string) (domain.User, error) {
	return domain.User{ID: id, Email: id + "@example.test"}, nil
}

func (u *Users) ListWithLifeBeat(context.Context) ([]domain.User, error) {
	return []domain.User{{
		ID:              "user-1",
		Email:           "user-1@example.test",
		LifeBeatEnabled: true,
		AlertDays:       []int{30, 60, 90},
		LastActivityAt:  time.Now().Add(-24 * time.Hour),
	}}, nil
}

func (u *Users) ListWithWeeklyReports(context.Context) ([]domain.User, error) {
	return []domain.User{{ID: "user-1", Email: "user-1@example.test", WeeklyReports: true, ReportFormat: "csv"}}, nil
}

func (u *Users) ListWithMonthlyReports(context.Context) ([]domain.User, error) {
	return nil, nil
}

func (u *Users) ListVerifiedExecutors(context.Context, string) ([]domain.Executor, error) {
	return nil, nil
}

func (u *Users) ListSpacesForUser(context.Context, string) ([]domain.Space, error) {
	return []domain.Space{{ID: "space-alpha", Name: "Alpha Household"}}, nil
}

// Categorizer marks every requested transaction as categorized.
type Categorizer struct{}

func NewCategorizer() *Categorizer { return &Categorizer{} }

func (c *Categorizer) CategorizeBatch(_ context.Context, _ string, ids []string) (int, int, error) {
	if len(ids) == 0 {
		return 3, 3, nil
	}
	return len(ids), len(ids), nil
}

// Trainer is a no-op pattern trainer.
type Trainer struct{}

func NewTrainer() *Trainer { return &Trainer{} }

func (t *Trainer) RetrainSpace(context.Context, string) error { return nil }
func (t *Trainer) DeleteCorrectionsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (t *Trainer) SpacesWithCorrectionsSince(context.Context, time.Time) ([]string, error) {
	return nil, nil
}
func (t *Trainer) InvalidatePatternCache(context.Context, string) error { return nil }

// ESG simulates the sustainability provider and its cache.
type ESG struct {
	mu      sync.Mutex
	refresh int64
}

func NewESG() *ESG { return &ESG{} }

func (e *ESG) Refresh(_ context.Context, symbol string) error {
	// Tiny latency so dev runs resemble real provider calls.
	time.Sleep(20 * time.Millisecond)
	e.mu.Lock()
	e.refresh++
	e.mu.Unlock()
	slog.Debug("stub esg refreshed", slog.String("symbol", symbol))
	return nil
}

func (e *ESG) Clear(context.Context) error { return nil }

func (e *ESG) Stats(context.Context) (map[string]int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]int64{"refreshes": e.refresh}, nil
}

// Snapshots collects upserts in memory, keyed by account and day.
type Snapshots struct {
	mu   sync.Mutex
	rows map[string]domain.Snapshot
}

func NewSnapshots() *Snapshots { return &Snapshots{rows: map[string]domain.Snapshot{}} }

func (s *Snapshots) Upsert(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[snap.AccountID+"|"+snap.Date] = snap
	return nil
}

// Mailer logs deliveries instead of sending.
type Mailer struct{}

func NewMailer() *Mailer { return &Mailer{} }

func (m *Mailer) Send(_ context.Context, to, template string, _ map[string]any) error {
	slog.Info("stub email delivered", slog.String("to", to), slog.String("template", template))
	return nil
}

// Providers resolves every known provider name to a deterministic adapter.
type Providers struct{}

func NewProviders() *Providers { return &Providers{} }

func (p *Providers) Adapter(provider string) (domain.ProviderAdapter, bool) {
	switch provider {
	case "bitso", "blockchain", "gocardless":
		return adapter{provider: provider}, true
	}
	return nil, false
}

type adapter struct{ provider string }

func (a adapter) Sync(_ context.Context, _ domain.Connection, _ string, fullSync bool) (string, error) {
	time.Sleep(50 * time.Millisecond)
	if fullSync {
		return "imported 40 transactions", nil
	}
	return "imported 5 transactions", nil
}

// Cipher treats the stored token bytes as plaintext.
type Cipher struct{}

func NewCipher() *Cipher { return &Cipher{} }

func (c *Cipher) Decrypt(ciphertext []byte) (string, error) { return string(ciphertext), nil }

// Probe reports every account healthy.
type Probe struct{}

func NewProbe() *Probe { return &Probe{} }

func (p *Probe) AccountStatus(context.Context, domain.Account) (string, error) { return "ok", nil }

// Health records provider health touches in memory.
type Health struct {
	mu      sync.Mutex
	touched map[string]time.Time
}

func NewHealth() *Health { return &Health{touched: map[string]time.Time{}} }

func (h *Health) Touch(_ context.Context, provider string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.touched[provider] = at
	return nil
}

// Valuer serves a fixed property set with instant valuations.
type Valuer struct{}

func NewValuer() *Valuer { return &Valuer{} }

func (v *Valuer) Available(context.Context) bool { return true }

func (v *Valuer) RefreshProperty(_ context.Context, propertyID string) error {
	slog.Debug("stub property valued", slog.String("property_id", propertyID))
	return nil
}

func (v *Valuer) ListPropertyIDs(_ context.Context, spaceID string) ([]string, error) {
	return []string{spaceID + "-home"}, nil
}

func (v *Valuer) ListAllPropertyIDs(context.Context) ([]string, error) {
	return []string{"space-alpha-home", "space-beta-home"}, nil
}

// Reports renders a one-line CSV per space.
type Reports struct{}

func NewReports() *Reports { return &Reports{} }

func (r *Reports) Generate(_ context.Context, spaceID string, period domain.ReportPeriod, _ string) (domain.ReportFile, error) {
	body := fmt.Sprintf("space,period\n%s,%s\n", spaceID, period)
	return domain.ReportFile{Name: spaceID + "-report.csv", Content: []byte(body)}, nil
}
