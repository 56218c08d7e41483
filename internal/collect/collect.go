// Package collect gathers raw signals from configured sources. Collectors
// run concurrently under a shared deadline; one failing source never
// cancels the others.
package collect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
)

// Collector produces raw signals from one source. Implementations call
// emit for each signal as soon as it is decoded, so signals gathered before
// a deadline survive even when Collect returns an error.
type Collector interface {
	Name() string
	Collect(ctx context.Context, emit func(model.RawSignal)) error
}

// Options bounds a collection run.
type Options struct {
	Workers  int
	Deadline time.Duration // zero means no deadline beyond ctx
}

// Result is the outcome of a collection run.
type Result struct {
	Signals  []model.RawSignal
	Failures []model.CollectorFailure
	// Partial is set when the deadline stopped at least one collector.
	Partial bool
}

// Run executes collectors with bounded concurrency. Individual failures are
// recorded in the result; Run itself only returns an error when the parent
// ctx was cancelled before anything was gathered.
func Run(ctx context.Context, collectors []Collector, opts Options) (*Result, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	runCtx := ctx
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	var (
		mu  sync.Mutex
		res = &Result{}
	)
	emit := func(sig model.RawSignal) {
		mu.Lock()
		res.Signals = append(res.Signals, sig)
		mu.Unlock()
	}

	log := zap.L().With(zap.String("component", "collect"))

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, c := range collectors {
		g.Go(func() error {
			start := time.Now()
			before := counted(&mu, res)
			err := c.Collect(runCtx, emit)
			gathered := counted(&mu, res) - before
			if err == nil {
				log.Debug("collect: source complete",
					zap.String("source", c.Name()),
					zap.Duration("elapsed", time.Since(start)),
				)
				return nil
			}

			mu.Lock()
			res.Failures = append(res.Failures, model.CollectorFailure{Source: c.Name(), Error: err.Error()})
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				res.Partial = true
			}
			mu.Unlock()

			log.Warn("collect: source failed",
				zap.String("source", c.Name()),
				zap.Int("gathered", gathered),
				zap.Error(err),
			)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil && len(res.Signals) == 0 {
		return res, eris.Wrap(ctx.Err(), "collect: cancelled")
	}
	return res, nil
}

func counted(mu *sync.Mutex, res *Result) int {
	mu.Lock()
	defer mu.Unlock()
	return len(res.Signals)
}

// FromConfig builds the collectors declared in the sources config.
func FromConfig(sources []config.SourceConfig) ([]Collector, error) {
	out := make([]Collector, 0, len(sources))
	for _, s := range sources {
		switch s.Type {
		case "file":
			out = append(out, NewFile(s.Name, s.Path))
		case "http":
			out = append(out, NewHTTP(s))
		default:
			return nil, eris.Errorf("collect: unknown source type %q for %s", s.Type, s.Name)
		}
	}
	return out, nil
}

// Static serves a fixed set of signals. The HTTP intake endpoint and
// tests use it to feed a batch without an external source.
type Static struct {
	name    string
	signals []model.RawSignal
}

// NewStatic creates a Static collector.
func NewStatic(name string, signals []model.RawSignal) *Static {
	return &Static{name: name, signals: signals}
}

func (s *Static) Name() string { return s.name }

func (s *Static) Collect(ctx context.Context, emit func(model.RawSignal)) error {
	for _, sig := range s.signals {
		if err := ctx.Err(); err != nil {
			return eris.Wrapf(err, "collect: %s", s.name)
		}
		emit(sig)
	}
	return nil
}
