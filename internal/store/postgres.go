package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/db"
	"github.com/sells-group/prospect-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries prepared on each new connection.
var preparedStatements = map[string]string{
	"load_signals": `SELECT data FROM signals ORDER BY observed_at, fingerprint`,
	"get_batch":    `SELECT id, as_of, config_hash, started_at, completed_at, partial, lead_count, diagnostics FROM batches WHERE id = $1`,
	"get_leads":    `SELECT data FROM batch_leads WHERE batch_id = $1 ORDER BY rank`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS signals (
	fingerprint TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	data        JSONB NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS profiles (
	id           TEXT PRIMARY KEY,
	entity_id    TEXT NOT NULL,
	vertical     TEXT NOT NULL,
	geography    TEXT NOT NULL,
	signal_count INTEGER NOT NULL,
	data         JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id           TEXT PRIMARY KEY,
	as_of        TIMESTAMPTZ NOT NULL,
	config_hash  TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	partial      BOOLEAN NOT NULL DEFAULT false,
	lead_count   INTEGER NOT NULL,
	diagnostics  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_leads (
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	rank       INTEGER NOT NULL,
	entity_id  TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	tier       TEXT NOT NULL,
	priority   DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	data       JSONB NOT NULL,
	PRIMARY KEY (batch_id, rank)
);

CREATE INDEX IF NOT EXISTS idx_signals_observed_at ON signals(observed_at);
CREATE INDEX IF NOT EXISTS idx_profiles_vertical ON profiles(vertical);
CREATE INDEX IF NOT EXISTS idx_profiles_geography ON profiles(geography);
CREATE INDEX IF NOT EXISTS idx_batches_completed_at ON batches(completed_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var signalColumns = []string{"fingerprint", "source", "observed_at", "data"}

func (s *PostgresStore) AppendSignals(ctx context.Context, signals []model.RawSignal) (int, error) {
	rows := make([][]any, 0, len(signals))
	seen := make(map[string]bool, len(signals))
	for _, sig := range signals {
		fp := sig.Fingerprint()
		if seen[fp] {
			continue
		}
		seen[fp] = true
		data, err := json.Marshal(sig)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal signal")
		}
		rows = append(rows, []any{fp, string(sig.Source), sig.ObservedAt.UTC(), string(data)})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:           "signals",
		Columns:         signalColumns,
		ConflictKeys:    []string{"fingerprint"},
		IgnoreConflicts: true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: append signals")
	}
	return int(n), nil
}

func (s *PostgresStore) LoadSignals(ctx context.Context) ([]model.RawSignal, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["load_signals"])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load signals")
	}
	defer rows.Close()

	var out []model.RawSignal
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal")
		}
		var sig model.RawSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal signal")
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate signals")
	}
	model.SortSignals(out)
	return out, nil
}

var profileColumns = []string{"id", "entity_id", "vertical", "geography", "signal_count", "data", "updated_at"}

func (s *PostgresStore) SaveProfiles(ctx context.Context, profiles []model.ProspectProfile) error {
	rows := make([][]any, 0, len(profiles))
	for i := range profiles {
		p := &profiles[i]
		data, err := json.Marshal(p)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal profile %s", p.ID)
		}
		rows = append(rows, []any{
			p.ID, p.EntityKey.ID(), p.Vertical, p.Geography, len(p.Signals), string(data), p.LastUpdatedAt.UTC(),
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "profiles",
		Columns:      profileColumns,
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: save profiles")
}

func (s *PostgresStore) DeleteProfiles(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE id = ANY($1)`, ids)
	return eris.Wrap(err, "postgres: delete profiles")
}

func (s *PostgresStore) ListProfiles(ctx context.Context, filter ProfileFilter) ([]model.ProspectProfile, error) {
	query := `SELECT data FROM profiles WHERE 1=1`
	var args []any
	argN := 1

	if filter.Vertical != "" {
		query += fmt.Sprintf(` AND vertical = $%d`, argN)
		args = append(args, filter.Vertical)
		argN++
	}
	if filter.Geography != "" {
		query += fmt.Sprintf(` AND geography = $%d`, argN)
		args = append(args, filter.Geography)
		argN++
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list profiles")
	}
	defer rows.Close()

	var out []model.ProspectProfile
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile")
		}
		var p model.ProspectProfile
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal profile")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate profiles")
}

var leadColumns = []string{"batch_id", "rank", "entity_id", "profile_id", "tier", "priority", "confidence", "data"}

func (s *PostgresStore) SaveBatch(ctx context.Context, batch *model.BatchResult) error {
	if err := validateBatch(batch); err != nil {
		return err
	}
	diag, err := json.Marshal(batch.Diagnostics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal diagnostics")
	}
	leads := make([][]any, 0, len(batch.Leads))
	for i := range batch.Leads {
		l := &batch.Leads[i]
		data, err := json.Marshal(l)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal lead")
		}
		leads = append(leads, []any{
			batch.ID, l.RankWithinBatch, l.EntityKey.ID(), l.ProfileSnapshot.ID, string(l.Tier),
			l.Score.PriorityScore, l.Score.Confidence, string(data),
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO batches (id, as_of, config_hash, started_at, completed_at, partial, lead_count, diagnostics)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
		batch.ID, batch.AsOf.UTC(), batch.ConfigHash, batch.StartedAt.UTC(), batch.CompletedAt.UTC(),
		batch.Diagnostics.Partial, len(batch.Leads), string(diag),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert batch %s", batch.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrBatchExists, "postgres: batch %s", batch.ID)
	}

	if _, err := db.CopyFrom(ctx, tx, "batch_leads", leadColumns, leads); err != nil {
		return eris.Wrapf(err, "postgres: copy leads for batch %s", batch.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save batch")
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.BatchResult, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_batch"], id)
	sum, diag, err := scanPgBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}

	b := &model.BatchResult{
		ID:          sum.ID,
		AsOf:        sum.AsOf,
		ConfigHash:  sum.ConfigHash,
		StartedAt:   sum.StartedAt,
		CompletedAt: sum.CompletedAt,
	}
	if err := json.Unmarshal(diag, &b.Diagnostics); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal diagnostics")
	}

	rows, err := s.pool.Query(ctx, preparedStatements["get_leads"], id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch leads %s", id)
	}
	defer rows.Close()

	b.Leads = make([]model.QualifiedLead, 0, sum.LeadCount)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		var l model.QualifiedLead
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal lead")
		}
		b.Leads = append(b.Leads, l)
	}
	return b, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

func (s *PostgresStore) ListBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	query := `SELECT id, as_of, config_hash, started_at, completed_at, partial, lead_count, diagnostics
		FROM batches ORDER BY completed_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []BatchSummary
	for rows.Next() {
		sum, _, err := scanPgBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		out = append(out, sum)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate batches")
}

func scanPgBatch(row pgx.Row) (BatchSummary, []byte, error) {
	var (
		sum  BatchSummary
		diag []byte
	)
	err := row.Scan(&sum.ID, &sum.AsOf, &sum.ConfigHash, &sum.StartedAt, &sum.CompletedAt, &sum.Partial, &sum.LeadCount, &diag)
	return sum, diag, err
}
