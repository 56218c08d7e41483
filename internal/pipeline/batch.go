package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-cli/internal/allocate"
	"github.com/sells-group/prospect-cli/internal/collect"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/qualify"
)

// BatchOptions parameterizes one batch run.
type BatchOptions struct {
	// AsOf is the reference time for recency and confidence. Zero means now.
	AsOf time.Time
	// N is the output size. Zero means batch.output_size.
	N int
}

// RunBatch collects from the given sources, folds the new signals into the
// profile state, then scores, allocates and qualifies every classified
// profile. The result is immutable once returned. With no collectors the
// batch scores the profiles already held.
func (e *Engine) RunBatch(ctx context.Context, collectors []collect.Collector, opts BatchOptions) (*model.BatchResult, error) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	start := time.Now()
	b, err := e.runBatch(ctx, collectors, opts)
	if err != nil {
		e.metrics.ObserveFailure()
		return nil, err
	}
	e.metrics.ObserveBatch(b, time.Since(start))
	return b, nil
}

func (e *Engine) runBatch(ctx context.Context, collectors []collect.Collector, opts BatchOptions) (*model.BatchResult, error) {
	snap := e.snap.Load()
	cfg := snap.cfg

	started := e.now().UTC()
	asOf := opts.AsOf.UTC()
	if opts.AsOf.IsZero() {
		asOf = started
	}
	n := opts.N
	if n <= 0 {
		n = cfg.Batch.OutputSize
	}

	b := &model.BatchResult{
		ID:         uuid.NewString(),
		AsOf:       asOf,
		ConfigHash: snap.hash,
		StartedAt:  started,
	}
	diag := &b.Diagnostics

	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("batch_id", b.ID),
		zap.String("config_hash", snap.hash),
	)
	log.Info("pipeline: batch started",
		zap.Time("as_of", asOf),
		zap.Int("n", n),
		zap.Int("collectors", len(collectors)),
	)

	trackPhase := func(name string, fn func() error) error {
		phaseStart := time.Now()
		err := fn()
		duration := time.Since(phaseStart).Milliseconds()
		if err != nil {
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(err),
			)
			return err
		}
		log.Info("pipeline: phase complete",
			zap.String("phase", name),
			zap.Int64("duration_ms", duration),
		)
		return nil
	}

	// ===== Collect =====
	var signals []model.RawSignal
	err := trackPhase("collect", func() error {
		if len(collectors) == 0 {
			return nil
		}
		res, err := collect.Run(ctx, collectors, collect.Options{
			Workers:  cfg.Batch.Workers,
			Deadline: time.Duration(cfg.Batch.DeadlineSecs) * time.Second,
		})
		if err != nil {
			return structural("collect", err)
		}
		diag.CollectorFailures = res.Failures
		diag.Partial = res.Partial
		if len(res.Signals) == 0 && len(res.Failures) == len(collectors) {
			return structural("collect", eris.Errorf("all %d collectors failed", len(collectors)))
		}
		signals = res.Signals
		model.SortSignals(signals)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// ===== Persist signals =====
	if e.store != nil && len(signals) > 0 {
		err = trackPhase("persist_signals", func() error {
			added, err := e.store.AppendSignals(ctx, signals)
			if err != nil {
				return structural("append signals", err)
			}
			log.Debug("pipeline: signals appended", zap.Int("new", added), zap.Int("received", len(signals)))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// ===== Ingest =====
	err = trackPhase("ingest", func() error {
		return e.ingestAll(ctx, signals, diag)
	})
	if err != nil {
		return nil, err
	}

	// ===== Score =====
	var candidates []allocate.Candidate
	err = trackPhase("score", func() error {
		profiles := e.agg.Snapshot()
		diag.Profiles = len(profiles)

		eligible := make([]model.ProspectProfile, 0, len(profiles))
		for _, p := range profiles {
			if p.IsClassified() {
				eligible = append(eligible, p)
				continue
			}
			diag.Unclassified = append(diag.Unclassified, model.UnclassifiedEntity{
				EntityKey: p.EntityKey.ID(),
				Hint:      verticalHint(p),
				Reason:    p.VerticalReason,
			})
		}
		diag.SortUnclassified()

		candidates = make([]allocate.Candidate, len(eligible))
		workers := cfg.Batch.ScoreWorkers
		if workers <= 0 {
			workers = 1
		}
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, p := range eligible {
			g.Go(func() error {
				if err := gCtx.Err(); err != nil {
					return err
				}
				candidates[i] = allocate.Candidate{Profile: p, Score: snap.scorer.Score(p, asOf)}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "pipeline: score")
		}

		diag.CandidatesScored = len(candidates)
		for _, c := range candidates {
			raw := qualify.RawTier(c.Score.PriorityScore, cfg.Tiers)
			if c.Score.Confidence < qualify.ConfidenceFloor(raw, cfg.Tiers) {
				diag.LowConfidence++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// ===== Allocate =====
	var alloc allocate.Allocation
	_ = trackPhase("allocate", func() error {
		alloc = allocate.Allocate(candidates, allocate.OptionsFromConfig(n, cfg.Quotas))
		diag.QuotaHeld = alloc.Held
		diag.Unfilled = alloc.Unfilled
		diag.DuplicateOutput = alloc.DuplicatesSuppressed
		return nil
	})

	// ===== Qualify =====
	err = trackPhase("qualify", func() error {
		b.Leads = qualify.Classify(alloc.Selected, cfg.Tiers, asOf)
		if err := qualify.CheckInvariants(b.Leads, cfg.Tiers, cfg.Scoring); err != nil {
			return eris.Wrap(err, "pipeline: qualify")
		}
		diag.LeadsByTier = make(map[model.Tier]int, len(model.Tiers))
		for _, l := range b.Leads {
			diag.LeadsByTier[l.Tier]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// ===== Persist =====
	b.CompletedAt = e.now().UTC()
	err = trackPhase("persist", func() error {
		if err := e.persistProfiles(ctx); err != nil {
			return err
		}
		if e.store == nil {
			return nil
		}
		if err := e.store.SaveBatch(ctx, b); err != nil {
			return structural("save batch", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("pipeline: batch complete",
		zap.Int("signals_received", diag.SignalsReceived),
		zap.Int("signals_rejected", diag.SignalsRejected),
		zap.Int("profiles", diag.Profiles),
		zap.Int("unclassified", len(diag.Unclassified)),
		zap.Int("leads", len(b.Leads)),
		zap.Int("unfilled", diag.Unfilled),
		zap.Bool("partial", diag.Partial),
	)
	return b, nil
}

// verticalHint returns the first query hint carried by the profile's signals.
func verticalHint(p model.ProspectProfile) string {
	for _, s := range p.Signals {
		if h := strings.TrimSpace(s.VerticalHint); h != "" {
			return h
		}
	}
	return ""
}
