// Package redisreport mirrors the current top-key report into a Redis sorted
// set so other services can read it without calling the tracker.
package redisreport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/config"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/model"
	"github.com/mohammed-shakir/hotkey-tracker/internal/core/observability"
)

// Source yields the report to publish.
type Source interface {
	TopKeys() []model.KeyFrequency
}

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

type Publisher struct {
	rdb      *redis.Client
	src      Source
	key      string
	interval time.Duration
	ttl      time.Duration
	log      *slog.Logger
}

// New connects to cfg.Addr and pings it once.
func New(ctx context.Context, cfg config.RedisCfg, src Source, log *slog.Logger, opts ...Option) (*Publisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Key == "" {
		return nil, errors.New("redis report key is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("redis publish interval must be positive")
	}
	if log == nil {
		log = slog.Default()
	}

	ro := &redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Publisher{
		rdb:      rdb,
		src:      src,
		key:      cfg.Key,
		interval: cfg.Interval,
		ttl:      cfg.TTL,
		log:      log,
	}, nil
}

// PublishOnce replaces the sorted set with the current report. Members are
// keys scored by frequency. The report is staged under a scratch key and
// renamed over the report key, so readers never see a partial set. An empty
// report leaves the key deleted.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	top := p.src.TopKeys()

	var err error
	if len(top) == 0 {
		err = p.rdb.Del(ctx, p.key).Err()
	} else {
		err = p.stageAndSwap(ctx, top)
	}
	observability.ObserveReportPublish(err, len(top))
	if err != nil {
		return fmt.Errorf("redis publish %q: %w", p.key, err)
	}
	return nil
}

func (p *Publisher) stageAndSwap(ctx context.Context, top []model.KeyFrequency) error {
	members := make([]redis.Z, 0, len(top))
	for _, kf := range top {
		members = append(members, redis.Z{Score: float64(kf.Frequency), Member: kf.Key})
	}

	tmp := p.key + ":staging"
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tmp)
		pipe.ZAdd(ctx, tmp, members...)
		if p.ttl > 0 {
			pipe.Expire(ctx, tmp, p.ttl)
		}
		pipe.Rename(ctx, tmp, p.key)
		return nil
	})
	return err
}

// Run publishes on every interval tick until ctx is done. Failures are
// logged and the loop keeps going.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("report publisher started", "key", p.key, "interval", p.interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("report publish failed", "err", err)
			}
		}
	}
}

func (p *Publisher) Close() error {
	if err := p.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
