package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/config"
	"github.com/warp/tip-ledger/events"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/lock"
	"github.com/warp/tip-ledger/store/sqlite"
	"github.com/warp/tip-ledger/tips"
)

// app holds the wired services and what must be closed on exit.
type app struct {
	svc     *tips.Services
	closers []func() error
	log     logrus.FieldLogger
}

// openApp connects the store, lock and event publisher from cfg.
// Redis and RabbitMQ are optional; without them locks are in-process and
// events are dropped.
func openApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{log: log}

	// 1. Store
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	// 2. Batch lock
	var locker ledger.Locker = lock.NewMemory(cfg.Redis.LockWait)
	if cfg.Redis.Enabled {
		rdb, err := lock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		locker = lock.NewRedis(rdb, lock.RedisConfig{TTL: cfg.Redis.LockTTL, Wait: cfg.Redis.LockWait}, log)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis batch locks")
	}

	// 3. Events
	var publisher events.Publisher = events.Nop{}
	if cfg.AMQP.Enabled {
		pub, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		publisher = pub
		log.WithField("exchange", cfg.AMQP.Exchange).Info("publishing events to rabbitmq")
	}

	a.svc = tips.New(tips.Deps{
		Store:     store,
		Locker:    locker,
		Publisher: publisher,
		Log:       log,
	})
	return a, nil
}

// Close releases resources in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
