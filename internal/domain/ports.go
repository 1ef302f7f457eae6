package domain

import (
	"context"
	"time"
)

// Collaborator ports. Persistence of these entities and the relational store
// behind them live outside this subsystem; processors and the cron scheduler
// see only the interfaces below.

// Space is a shared financial workspace.
type Space struct {
	ID   string
	Name string
}

// Connection is a stored link to an external financial provider.
type Connection struct {
	ID             string
	UserID         string
	Provider       string
	EncryptedToken []byte
	Status         string
	Manual         bool
	LastSyncAt     *time.Time
}

// SyncResult is written back to the connection metadata after a run.
type SyncResult struct {
	LastSyncAt         time.Time
	LastSyncResult     string
	LastSyncDurationMs int64
}

// Account is a financial account inside a space.
type Account struct {
	ID       string
	SpaceID  string
	UserID   string
	Type     string // checking, savings, investment, crypto, credit, property
	Provider string // empty for manual accounts
	Symbol   string // crypto symbol when Type == "crypto"
	Currency string
	Balance  float64
	Manual   bool
	ReadOnly bool
}

// User carries the scheduler-relevant preference flags.
type User struct {
	ID              string
	Email           string
	LastActivityAt  time.Time
	LastLoginAt     time.Time
	LifeBeatEnabled bool
	AlertDays       []int
	WeeklyReports   bool
	MonthlyReports  bool
	ReportFormat    string
}

// Executor is a verified contact notified at the maximum inactivity threshold.
type Executor struct {
	UserID   string
	Email    string
	Verified bool
}

// SpaceRepository lists the known spaces.
type SpaceRepository interface {
	List(ctx context.Context) ([]Space, error)
}

// ConnectionRepository reads and updates provider connections.
type ConnectionRepository interface {
	Get(ctx context.Context, id string) (Connection, error)
	ListByProvider(ctx context.Context, provider string) ([]Connection, error)
	ListBySpace(ctx context.Context, spaceID string) ([]Connection, error)
	UpdateSyncResult(ctx context.Context, id string, res SyncResult) error
	// CountByActivity reports active vs stale connections for the session
	// cleanup metrics tick.
	CountByActivity(ctx context.Context, staleAfter time.Duration) (active, stale int64, err error)
}

// AccountRepository reads accounts for snapshots, health checks, and symbol
// discovery.
type AccountRepository interface {
	ListBySpace(ctx context.Context, spaceID string) ([]Account, error)
	ListCryptoSymbols(ctx context.Context) ([]string, error)
	ListUsersWithReadOnlyManualAccounts(ctx context.Context) ([]string, error)
	ListSpacesWithProviderAccounts(ctx context.Context) ([]string, error)
}

// UserRepository reads users and their notification preferences.
type UserRepository interface {
	Get(ctx context.Context, id string) (User, error)
	ListWithLifeBeat(ctx context.Context) ([]User, error)
	ListWithWeeklyReports(ctx context.Context) ([]User, error)
	ListWithMonthlyReports(ctx context.Context) ([]User, error)
	ListVerifiedExecutors(ctx context.Context, userID string) ([]Executor, error)
	ListSpacesForUser(ctx context.Context, userID string) ([]Space, error)
}

// Categorizer batch-categorizes transactions in a space. An empty ids slice
// means every uncategorized transaction.
type Categorizer interface {
	CategorizeBatch(ctx context.Context, spaceID string, transactionIDs []string) (categorized, total int, err error)
}

// PatternTrainer owns the ML categorization patterns derived from user
// corrections.
type PatternTrainer interface {
	RetrainSpace(ctx context.Context, spaceID string) error
	DeleteCorrectionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SpacesWithCorrectionsSince(ctx context.Context, since time.Time) ([]string, error)
	InvalidatePatternCache(ctx context.Context, spaceID string) error
}

// ESGProvider refreshes sustainability data per symbol.
type ESGProvider interface {
	Refresh(ctx context.Context, symbol string) error
}

// ESGCache fronts the provider; cleared on forceRefresh.
type ESGCache interface {
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (map[string]int64, error)
}

// Snapshot is one account-day valuation record.
type Snapshot struct {
	AccountID string
	SpaceID   string
	Date      string // YYYY-MM-DD
	Balance   float64
	Currency  string
}

// SnapshotRepository upserts valuation snapshots (idempotent per account-day).
type SnapshotRepository interface {
	Upsert(ctx context.Context, s Snapshot) error
}

// Mailer renders and delivers one templated email.
type Mailer interface {
	Send(ctx context.Context, to, template string, data map[string]any) error
}

// ProviderAdapter talks to one external financial provider.
type ProviderAdapter interface {
	Sync(ctx context.Context, conn Connection, token string, fullSync bool) (string, error)
}

// ProviderRegistry resolves adapters by provider name.
type ProviderRegistry interface {
	Adapter(provider string) (ProviderAdapter, bool)
}

// TokenCipher decrypts stored provider tokens.
type TokenCipher interface {
	Decrypt(ciphertext []byte) (string, error)
}

// HealthProbe classifies one provider-backed account.
// Status is one of ok, degraded, error, requires-reauth.
type HealthProbe interface {
	AccountStatus(ctx context.Context, a Account) (string, error)
}

// ProviderHealthRepository records per-provider health check timestamps.
type ProviderHealthRepository interface {
	Touch(ctx context.Context, provider string, at time.Time) error
}

// PropertyValuer refreshes external property valuations.
type PropertyValuer interface {
	Available(ctx context.Context) bool
	RefreshProperty(ctx context.Context, propertyID string) error
	ListPropertyIDs(ctx context.Context, spaceID string) ([]string, error)
	ListAllPropertyIDs(ctx context.Context) ([]string, error)
}

// ReportPeriod selects the reporting window.
type ReportPeriod string

const (
	ReportLastISOWeek   ReportPeriod = "last-iso-week"
	ReportLastCalMonth  ReportPeriod = "last-calendar-month"
)

// ReportFile is a generated report ready for email attachment.
type ReportFile struct {
	Name    string
	Content []byte
}

// ReportGenerator renders a per-space report for a period in a format.
type ReportGenerator interface {
	Generate(ctx context.Context, spaceID string, period ReportPeriod, format string) (ReportFile, error)
}
