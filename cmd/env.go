package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/dedup"
	"github.com/sells-group/prospect-cli/internal/monitoring"
	"github.com/sells-group/prospect-cli/internal/pipeline"
	"github.com/sells-group/prospect-cli/internal/rules"
	"github.com/sells-group/prospect-cli/internal/store"
)

// engineEnv holds the store, engine and monitoring pieces shared by the
// run and serve commands.
type engineEnv struct {
	Store   store.Store
	Engine  *pipeline.Engine
	Metrics *monitoring.Metrics
	Checker *monitoring.Checker

	redis *goredis.Client
}

// Close releases resources held by the environment.
func (ee *engineEnv) Close() {
	if ee.redis != nil {
		_ = ee.redis.Close()
	}
	if ee.Store != nil {
		_ = ee.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// loadRules reads the vertical rule table, falling back to the built-in
// defaults when no path is configured.
func loadRules() (*rules.Rules, error) {
	if cfg.Rules.Path == "" {
		return rules.Default(), nil
	}
	return rules.Load(cfg.Rules.Path)
}

// initEngine builds the engine over the configured store and replays the
// persisted signal log so profiles survive restarts. Metrics register on
// reg when it is non-nil. Callers should defer env.Close().
func initEngine(ctx context.Context, reg prometheus.Registerer) (*engineEnv, error) {
	r, err := loadRules()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st, Metrics: monitoring.NewMetrics(reg)}

	opts := []pipeline.Option{
		pipeline.WithStore(st),
		pipeline.WithMetrics(env.Metrics),
	}

	if cfg.Dedup.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.Dedup.RedisURL)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "parse dedup.redis_url")
		}
		env.redis = goredis.NewClient(redisOpts)
		if err := env.redis.Ping(ctx).Err(); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "ping redis")
		}
		ttl := time.Duration(cfg.Dedup.ClaimTTLHours) * time.Hour
		opts = append(opts, pipeline.WithClaimer(dedup.NewRedisClaimer(env.redis, cfg.Dedup.RedisPrefix, ttl)))
		zap.L().Info("shared admission claimer enabled", zap.String("prefix", cfg.Dedup.RedisPrefix))
	}

	engine, err := pipeline.New(cfg, r, opts...)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Engine = engine

	if _, err := engine.Restore(ctx); err != nil {
		env.Close()
		return nil, err
	}

	env.Checker = monitoring.NewChecker(st, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
	return env, nil
}
