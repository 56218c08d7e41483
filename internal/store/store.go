package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrBatchExists is returned when a batch ID is saved twice.
	ErrBatchExists = eris.New("store: batch already exists")
)

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return eris.Is(err, ErrNotFound)
}

// ProfileFilter specifies criteria for listing profiles.
type ProfileFilter struct {
	Vertical  string `json:"vertical,omitempty"`
	Geography string `json:"geography,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// BatchSummary is the listing view of a persisted batch.
type BatchSummary struct {
	ID          string    `json:"id"`
	AsOf        time.Time `json:"as_of"`
	ConfigHash  string    `json:"config_hash"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Partial     bool      `json:"partial"`
	LeadCount   int       `json:"lead_count"`
}

// Store defines the persistence interface for signals, profiles and
// batch results.
type Store interface {
	// Signals are append-only; AppendSignals returns how many were new.
	AppendSignals(ctx context.Context, signals []model.RawSignal) (int, error)
	LoadSignals(ctx context.Context) ([]model.RawSignal, error)

	// Profiles
	SaveProfiles(ctx context.Context, profiles []model.ProspectProfile) error
	// DeleteProfiles drops profiles merged into another one.
	DeleteProfiles(ctx context.Context, ids []string) error
	ListProfiles(ctx context.Context, filter ProfileFilter) ([]model.ProspectProfile, error)

	// Batches are write-once.
	SaveBatch(ctx context.Context, batch *model.BatchResult) error
	GetBatch(ctx context.Context, id string) (*model.BatchResult, error)
	ListBatches(ctx context.Context, limit int) ([]BatchSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "prospect.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns})
	default:
		return nil, eris.Errorf("store: unsupported driver: %s", cfg.Driver)
	}
}

func validateBatch(b *model.BatchResult) error {
	if b == nil || b.ID == "" {
		return eris.New("store: batch id is required")
	}
	return nil
}
