package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as fixed-width UTC text (see formatTime).
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS signals (
	fingerprint TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	observed_at TEXT NOT NULL,
	data        TEXT NOT NULL,
	ingested_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id           TEXT PRIMARY KEY,
	entity_id    TEXT NOT NULL,
	vertical     TEXT NOT NULL,
	geography    TEXT NOT NULL,
	signal_count INTEGER NOT NULL,
	data         TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id           TEXT PRIMARY KEY,
	as_of        TEXT NOT NULL,
	config_hash  TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	partial      INTEGER NOT NULL DEFAULT 0,
	lead_count   INTEGER NOT NULL,
	diagnostics  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_leads (
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	rank       INTEGER NOT NULL,
	entity_id  TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	tier       TEXT NOT NULL,
	priority   REAL NOT NULL,
	confidence REAL NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (batch_id, rank)
);

CREATE INDEX IF NOT EXISTS idx_signals_observed_at ON signals(observed_at);
CREATE INDEX IF NOT EXISTS idx_profiles_vertical ON profiles(vertical);
CREATE INDEX IF NOT EXISTS idx_profiles_geography ON profiles(geography);
CREATE INDEX IF NOT EXISTS idx_batches_completed_at ON batches(completed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendSignals(ctx context.Context, signals []model.RawSignal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append signals")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO signals (fingerprint, source, observed_at, data, ingested_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare append signals")
	}
	defer stmt.Close() //nolint:errcheck

	now := formatTime(time.Now())
	added := 0
	for _, sig := range signals {
		data, err := json.Marshal(sig)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal signal")
		}
		res, err := stmt.ExecContext(ctx, sig.Fingerprint(), string(sig.Source), formatTime(sig.ObservedAt), string(data), now)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert signal")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit append signals")
	}
	return added, nil
}

func (s *SQLiteStore) LoadSignals(ctx context.Context) ([]model.RawSignal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM signals ORDER BY observed_at, fingerprint`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load signals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RawSignal
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal")
		}
		var sig model.RawSignal
		if err := json.Unmarshal([]byte(data), &sig); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal signal")
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate signals")
	}
	model.SortSignals(out)
	return out, nil
}

func (s *SQLiteStore) SaveProfiles(ctx context.Context, profiles []model.ProspectProfile) error {
	if len(profiles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save profiles")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO profiles (id, entity_id, vertical, geography, signal_count, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			entity_id = excluded.entity_id,
			vertical = excluded.vertical,
			geography = excluded.geography,
			signal_count = excluded.signal_count,
			data = excluded.data,
			updated_at = excluded.updated_at`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare save profiles")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range profiles {
		p := &profiles[i]
		data, err := json.Marshal(p)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal profile %s", p.ID)
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.EntityKey.ID(), p.Vertical, p.Geography, len(p.Signals), string(data), formatTime(p.LastUpdatedAt),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert profile %s", p.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save profiles")
}

func (s *SQLiteStore) DeleteProfiles(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete profiles")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM profiles WHERE id = ?`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare delete profiles")
	}
	defer stmt.Close() //nolint:errcheck

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete profile %s", id)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit delete profiles")
}

func (s *SQLiteStore) ListProfiles(ctx context.Context, filter ProfileFilter) ([]model.ProspectProfile, error) {
	query := `SELECT data FROM profiles WHERE 1=1`
	var args []any

	if filter.Vertical != "" {
		query += ` AND vertical = ?`
		args = append(args, filter.Vertical)
	}
	if filter.Geography != "" {
		query += ` AND geography = ?`
		args = append(args, filter.Geography)
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list profiles")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProspectProfile
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile")
		}
		var p model.ProspectProfile
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal profile")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate profiles")
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, batch *model.BatchResult) error {
	if err := validateBatch(batch); err != nil {
		return err
	}
	diag, err := json.Marshal(batch.Diagnostics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal diagnostics")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save batch")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO batches (id, as_of, config_hash, started_at, completed_at, partial, lead_count, diagnostics)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, formatTime(batch.AsOf), batch.ConfigHash, formatTime(batch.StartedAt), formatTime(batch.CompletedAt),
		batch.Diagnostics.Partial, len(batch.Leads), string(diag),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert batch %s", batch.ID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return eris.Wrapf(ErrBatchExists, "sqlite: batch %s", batch.ID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batch_leads (batch_id, rank, entity_id, profile_id, tier, priority, confidence, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare batch leads")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range batch.Leads {
		l := &batch.Leads[i]
		data, err := json.Marshal(l)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal lead")
		}
		if _, err := stmt.ExecContext(ctx,
			batch.ID, l.RankWithinBatch, l.EntityKey.ID(), l.ProfileSnapshot.ID, string(l.Tier),
			l.Score.PriorityScore, l.Score.Confidence, string(data),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert lead rank %d", l.RankWithinBatch)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save batch")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.BatchResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, as_of, config_hash, started_at, completed_at, partial, lead_count, diagnostics FROM batches WHERE id = ?`,
		id,
	)
	sum, diag, err := scanBatchRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}

	b := &model.BatchResult{
		ID:          sum.ID,
		AsOf:        sum.AsOf,
		ConfigHash:  sum.ConfigHash,
		StartedAt:   sum.StartedAt,
		CompletedAt: sum.CompletedAt,
	}
	if err := json.Unmarshal([]byte(diag), &b.Diagnostics); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal diagnostics")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM batch_leads WHERE batch_id = ? ORDER BY rank`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch leads %s", id)
	}
	defer rows.Close() //nolint:errcheck

	b.Leads = make([]model.QualifiedLead, 0, sum.LeadCount)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		var l model.QualifiedLead
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal lead")
		}
		b.Leads = append(b.Leads, l)
	}
	return b, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	query := `SELECT id, as_of, config_hash, started_at, completed_at, partial, lead_count, diagnostics
		FROM batches ORDER BY completed_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []BatchSummary
	for rows.Next() {
		sum, _, err := scanBatchRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		out = append(out, sum)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate batches")
}

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanBatchRow(sc scannable) (BatchSummary, string, error) {
	var (
		sum                      BatchSummary
		asOf, started, completed string
		diag                     string
	)
	if err := sc.Scan(&sum.ID, &asOf, &sum.ConfigHash, &started, &completed, &sum.Partial, &sum.LeadCount, &diag); err != nil {
		return sum, "", err
	}
	var err error
	if sum.AsOf, err = parseTime(asOf); err != nil {
		return sum, "", err
	}
	if sum.StartedAt, err = parseTime(started); err != nil {
		return sum, "", err
	}
	if sum.CompletedAt, err = parseTime(completed); err != nil {
		return sum, "", err
	}
	return sum, diag, nil
}

// sqliteTime is fixed width so text comparison orders chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}
