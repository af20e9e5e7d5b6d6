package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schedcore/internal/broker"
	"schedcore/internal/cache"
	"schedcore/internal/config"
	"schedcore/internal/database"
	"schedcore/internal/engine"
	"schedcore/internal/eventbus"
	"schedcore/pkg/logx"
	"schedcore/pkg/sdnotify"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fatal(err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer func() { _ = logSvc.Close() }()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	tick, err := cfg.Engine.ResolveTickInterval()
	if err != nil {
		fatal(err)
	}
	drain, err := cfg.Engine.ResolveDrainTimeout()
	if err != nil {
		fatal(err)
	}

	bus := eventbus.New()
	eng := engine.New(engine.Config{
		TickInterval:  tick,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		Timezone:      cfg.Engine.Timezone,
		HistorySize:   cfg.Engine.HistorySize,
	}, log.With(logx.String("comp", "engine")), bus)

	var db *database.DB
	if cfg.Database != nil {
		dbCfg, err := databaseConfig(cfg.Database)
		if err != nil {
			fatal(err)
		}
		db, err = database.Open(ctx, dbCfg, log.With(logx.String("comp", "database")))
		if err != nil {
			fatal(err)
		}
		defer func() { _ = db.Close() }()

		if _, err := eng.AddTaskNamed("db-health", func(ctx context.Context) error {
			if !db.Healthy(ctx) {
				return errors.New("database ping failed")
			}
			return nil
		}, "@every 1m", engine.OverlapSkip); err != nil {
			fatal(err)
		}
	}

	var c *cache.Cache
	if cfg.Redis != nil {
		cacheCfg, err := cacheConfig(cfg.Redis)
		if err != nil {
			fatal(err)
		}
		c, err = cache.New(ctx, cacheCfg, log.With(logx.String("comp", "cache")))
		if err != nil {
			fatal(err)
		}
		defer func() { _ = c.Close() }()

		if _, err := eng.AddTaskNamed("heartbeat", func(ctx context.Context) error {
			return c.Set(ctx, "heartbeat", time.Now().UTC().Format(time.RFC3339), 2*time.Minute)
		}, "@every 30s", engine.OverlapSkip); err != nil {
			fatal(err)
		}
	}

	if cfg.Broker != nil && cfg.Broker.Enabled {
		if c == nil {
			fatal(errors.New("broker requires a redis connection"))
		}
		br := broker.New(c.Client(), cfg.Broker.Prefix(), log.With(logx.String("comp", "broker")))
		go br.Forward(ctx, bus)
	}

	// Hot reload covers logging only; engine and connection changes need a
	// restart, so just surface what changed.
	go func() { _ = mgr.Watch(ctx) }()
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		prev := cfg
		for next := range updates {
			changed, attrs := config.SummarizeChange(prev, next)
			if len(changed) == 0 {
				continue
			}
			log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File: logx.FileConfig{
					Enabled: next.Logging.File.Enabled,
					Path:    next.Logging.File.Path,
				},
			})
			prev = next
		}
	}()

	if err := eng.Start(ctx); err != nil {
		fatal(err)
	}
	sdnotify.Ready()
	sdnotify.Status("scheduling")

	<-ctx.Done()
	sdnotify.Stopping()
	st := eng.Stop(drain)
	log.Info("shutdown complete", logx.String("state", st.String()))
}

func databaseConfig(d *config.DatabaseConfig) (database.Config, error) {
	lifetime, err := config.ParseDurationField("database.conn_max_lifetime", d.ConnMaxLifetime)
	if err != nil {
		return database.Config{}, err
	}
	return database.Config{
		Driver:          d.Driver,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Name:            d.Name,
		Path:            d.Path,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: lifetime,
	}, nil
}

func cacheConfig(r *config.RedisConfig) (cache.Config, error) {
	dial, err := config.ParseDurationField("redis.dial_timeout", r.DialTimeout)
	if err != nil {
		return cache.Config{}, err
	}
	return cache.Config{
		Addr:        r.Addr,
		Password:    r.Password,
		DB:          r.DB,
		PoolSize:    r.PoolSize,
		DialTimeout: dial,
		KeyPrefix:   "schedcore",
	}, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fatal:", err)
	os.Exit(1)
}
