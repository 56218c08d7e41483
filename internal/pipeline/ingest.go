package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/aggregate"
	"github.com/sells-group/prospect-cli/internal/dedup"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/normalize"
)

// Ingest outcomes.
const (
	OutcomeAdmitted = "admitted"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
)

// IngestResult describes what happened to one signal.
type IngestResult struct {
	Outcome   string
	ProfileID string
	// Strategy names the dedup matcher that found an existing profile.
	Strategy string
	Created  bool
	// Redirected is set when another process owned the identity and the
	// signal was folded into its profile.
	Redirected bool
	// Merged lists profiles this signal linked to ProfileID and folded in.
	Merged   []string
	Reject   *normalize.RejectedSignal
	Warnings []string
}

// Record adds the result to batch diagnostics.
func (r IngestResult) Record(d *model.Diagnostics) {
	d.SignalsReceived++
	switch r.Outcome {
	case OutcomeRejected:
		d.RecordReject(r.Reject.Reason)
	case OutcomeReplayed:
		d.SignalsReplayed++
	case OutcomeAdmitted:
		d.SignalsIngested++
		for _, w := range r.Warnings {
			d.RecordWarning(w)
		}
		if r.Strategy != "" {
			d.RecordMatch(r.Strategy)
			d.DuplicatesFolded++
		}
		if r.Redirected {
			d.ConflictsFolded++
		}
	}
	d.ProfilesMerged += len(r.Merged)
}

// Ingest normalizes sig, resolves it to a profile and folds it in.
// Rejections and replays are outcomes, not errors.
func (e *Engine) Ingest(ctx context.Context, sig model.RawSignal) (IngestResult, error) {
	norm, rej := e.norm.Normalize(sig)
	if rej != nil {
		e.metrics.ObserveReject(rej.Reason)
		zap.L().Debug("pipeline: signal rejected",
			zap.String("reason", rej.Reason),
			zap.String("detail", rej.Detail),
		)
		return IngestResult{Outcome: OutcomeRejected, Reject: rej}, nil
	}

	res := IngestResult{Warnings: norm.Warnings}
	if e.agg.Seen(sig.Fingerprint()) {
		e.metrics.ObserveIngest(sig.Source, OutcomeReplayed)
		res.Outcome = OutcomeReplayed
		return res, nil
	}

	verdict := aggregate.ClassifySignal(e.rules, sig)
	adm, err := e.index.Admit(ctx, dedup.Candidate{
		Key:      norm.Key,
		Vertical: aggregate.AdmissionVertical(e.rules, sig, verdict),
	})
	if err != nil {
		return res, eris.Wrap(err, "pipeline: admit")
	}

	if len(adm.Merged) > 0 {
		if err := e.agg.Merge(adm.ProfileID, adm.Merged); err != nil {
			return res, eris.Wrap(err, "pipeline: merge")
		}
		res.Merged = adm.Merged
	}

	fold, err := e.agg.Fold(adm.ProfileID, norm.Key, sig)
	if err != nil {
		return res, eris.Wrap(err, "pipeline: fold")
	}
	res.ProfileID = adm.ProfileID
	if fold.Replayed {
		e.metrics.ObserveIngest(sig.Source, OutcomeReplayed)
		res.Outcome = OutcomeReplayed
		return res, nil
	}
	e.index.SetVertical(adm.ProfileID, fold.Vertical)

	res.Outcome = OutcomeAdmitted
	res.Strategy = adm.Strategy
	res.Created = fold.Created
	res.Redirected = adm.Redirected

	e.metrics.ObserveIngest(sig.Source, OutcomeAdmitted)
	if adm.Strategy != "" {
		e.metrics.ObserveMatch(adm.Strategy)
	}
	return res, nil
}

// Accept persists and ingests signals delivered outside a batch run, such
// as through the HTTP intake endpoint.
func (e *Engine) Accept(ctx context.Context, signals []model.RawSignal) (model.Diagnostics, error) {
	var d model.Diagnostics
	if len(signals) == 0 {
		return d, nil
	}

	if e.store != nil {
		if _, err := e.store.AppendSignals(ctx, signals); err != nil {
			return d, structural("append signals", err)
		}
	}

	ordered := make([]model.RawSignal, len(signals))
	copy(ordered, signals)
	model.SortSignals(ordered)

	if err := e.ingestAll(ctx, ordered, &d); err != nil {
		return d, err
	}
	if err := e.persistProfiles(ctx); err != nil {
		return d, err
	}
	return d, nil
}

// Restore rebuilds profile state from the persisted signal log. Entity keys
// are recomputed, so dedup is re-evaluated under the current rules.
func (e *Engine) Restore(ctx context.Context) (model.Diagnostics, error) {
	var d model.Diagnostics
	if e.store == nil {
		return d, nil
	}

	signals, err := e.store.LoadSignals(ctx)
	if err != nil {
		return d, structural("load signals", err)
	}
	if err := e.ingestAll(ctx, signals, &d); err != nil {
		return d, err
	}
	if err := e.persistProfiles(ctx); err != nil {
		return d, err
	}

	zap.L().Info("pipeline: restored state",
		zap.Int("signals", d.SignalsReceived),
		zap.Int("rejected", d.SignalsRejected),
		zap.Int("profiles", e.agg.Len()),
	)
	return d, nil
}

func (e *Engine) ingestAll(ctx context.Context, signals []model.RawSignal, d *model.Diagnostics) error {
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "pipeline: ingest cancelled")
		}
		res, err := e.Ingest(ctx, sig)
		if err != nil {
			return err
		}
		res.Record(d)
	}
	return nil
}

func (e *Engine) persistProfiles(ctx context.Context) error {
	dirty := e.agg.TakeDirty()
	removed := e.agg.TakeRemoved()
	if e.store == nil {
		return nil
	}
	if len(dirty) > 0 {
		if err := e.store.SaveProfiles(ctx, dirty); err != nil {
			return structural("save profiles", err)
		}
	}
	if len(removed) > 0 {
		if err := e.store.DeleteProfiles(ctx, removed); err != nil {
			return structural("delete merged profiles", err)
		}
	}
	return nil
}
