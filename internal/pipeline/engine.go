// Package pipeline runs the prospect engine: the ingest path from raw signal
// to profile, and the batch path from profiles to ranked, qualified leads.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/aggregate"
	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/dedup"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/monitoring"
	"github.com/sells-group/prospect-cli/internal/normalize"
	"github.com/sells-group/prospect-cli/internal/rules"
	"github.com/sells-group/prospect-cli/internal/scorer"
)

// ErrStructural marks failures that abort a batch outright: invalid
// configuration, every collector failing with nothing gathered, or a store
// write failure.
var ErrStructural = eris.New("pipeline: structural failure")

// StructuralError wraps the cause of a structural failure. errors.Is
// matches it against ErrStructural.
type StructuralError struct {
	Op  string
	Err error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Op, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

func structural(op string, err error) error {
	return &StructuralError{Op: op, Err: err}
}

// Store is the persistence the engine writes through. A nil Store keeps
// the engine purely in memory.
type Store interface {
	AppendSignals(ctx context.Context, signals []model.RawSignal) (int, error)
	LoadSignals(ctx context.Context) ([]model.RawSignal, error)
	SaveProfiles(ctx context.Context, profiles []model.ProspectProfile) error
	DeleteProfiles(ctx context.Context, ids []string) error
	SaveBatch(ctx context.Context, batch *model.BatchResult) error
}

// snapshot is the configuration one batch runs under.
type snapshot struct {
	cfg    *config.Config
	scorer *scorer.Scorer
	hash   string
}

func newSnapshot(cfg *config.Config, r *rules.Rules) *snapshot {
	return &snapshot{
		cfg:    cfg,
		scorer: scorer.New(r, cfg.Scoring),
		hash:   cfg.EngineHash(),
	}
}

// Engine owns the profile state and runs batches over it. Ingest is safe
// for concurrent use; batches run one at a time.
type Engine struct {
	snap atomic.Pointer[snapshot]

	rules   *rules.Rules
	norm    *normalize.Normalizer
	index   *dedup.Index
	agg     *aggregate.Aggregator
	store   Store
	metrics *monitoring.Metrics
	claimer dedup.Claimer
	now     func() time.Time

	batchMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists signals, profiles and batches through st.
func WithStore(st Store) Option {
	return func(e *Engine) { e.store = st }
}

// WithMetrics records ingest and batch metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClaimer shares admission with other engine processes.
func WithClaimer(c dedup.Claimer) Option {
	return func(e *Engine) { e.claimer = c }
}

// WithClock overrides the wall clock used for batch timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. Rules, dedup and spend settings are fixed for the
// engine's lifetime; everything else can be swapped with Reload.
func New(cfg *config.Config, r *rules.Rules, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, structural("configure", eris.New("config is required"))
	}
	if err := cfg.Validate("run"); err != nil {
		return nil, structural("configure", err)
	}
	if r == nil {
		r = rules.Default()
	}

	e := &Engine{
		rules: r,
		norm:  normalize.New(r),
		agg:   aggregate.New(r, cfg.Spend),
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}

	var ixOpts []dedup.Option
	if e.claimer != nil {
		ixOpts = append(ixOpts, dedup.WithClaimer(e.claimer))
	}
	e.index = dedup.NewIndex(cfg.Dedup.FuzzyThreshold, ixOpts...)
	e.snap.Store(newSnapshot(cfg, r))
	return e, nil
}

// Reload swaps the configuration used by subsequent batches. A batch in
// flight keeps the snapshot it started with.
func (e *Engine) Reload(cfg *config.Config) error {
	if cfg == nil {
		return structural("reload", eris.New("config is required"))
	}
	if err := cfg.Validate("run"); err != nil {
		return structural("reload", err)
	}

	cur := e.snap.Load().cfg
	next := *cfg
	if next.Rules != cur.Rules || next.Dedup != cur.Dedup || next.Spend != cur.Spend {
		zap.L().Warn("pipeline: rules, dedup and spend changes take effect on restart")
		next.Rules, next.Dedup, next.Spend = cur.Rules, cur.Dedup, cur.Spend
	}

	s := newSnapshot(&next, e.rules)
	e.snap.Store(s)
	zap.L().Info("pipeline: config reloaded", zap.String("config_hash", s.hash))
	return nil
}

// Config returns the configuration the next batch will run under.
func (e *Engine) Config() *config.Config {
	return e.snap.Load().cfg
}

// Stats is a point-in-time view of the engine state.
type Stats struct {
	Profiles int            `json:"profiles"`
	Matches  map[string]int `json:"matches_by_strategy"`
}

// Stats returns the current profile count and dedup match counts.
func (e *Engine) Stats() Stats {
	return Stats{Profiles: e.agg.Len(), Matches: e.index.Stats()}
}

// Profiles returns copies of every profile sorted by ID.
func (e *Engine) Profiles() []model.ProspectProfile {
	return e.agg.Snapshot()
}
