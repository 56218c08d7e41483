package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/rules"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) AppendSignals(ctx context.Context, signals []model.RawSignal) (int, error) {
	args := m.Called(ctx, signals)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) LoadSignals(ctx context.Context) ([]model.RawSignal, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RawSignal), args.Error(1)
}

func (m *mockStore) SaveProfiles(ctx context.Context, profiles []model.ProspectProfile) error {
	args := m.Called(ctx, profiles)
	return args.Error(0)
}

func (m *mockStore) DeleteProfiles(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *mockStore) SaveBatch(ctx context.Context, batch *model.BatchResult) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

// --- Collector stub ---

type failingCollector struct {
	name string
	err  error
}

func (c failingCollector) Name() string { return c.name }

func (c failingCollector) Collect(context.Context, func(model.RawSignal)) error { return c.err }

var errSourceDown = errors.New("source down")

// --- Fixtures ---

var asOf = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return asOf.AddDate(0, 0, -n) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return asOf })}, opts...)
	e, err := New(testConfig(t), rules.Default(), opts...)
	require.NoError(t, err)
	return e
}

func plumbingAd(pid, name, geo string, observed time.Time) model.RawSignal {
	return model.RawSignal{
		Source:           model.SourceAdPlatform,
		PlatformEntityID: pid,
		RawName:          name,
		Geography:        geo,
		VerticalHint:     "plumbing",
		ObservedAt:       observed,
		Payload: model.SignalPayload{
			SpendLow:      1500,
			SpendHigh:     2500,
			Currency:      "USD",
			CreativeCount: 4,
			CreativeText:  []string{"24/7 emergency plumber", "Drain cleaning same day"},
		},
	}
}
