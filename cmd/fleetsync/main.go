package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"fleetsync/internal/api"
	"fleetsync/internal/assignlog"
	"fleetsync/internal/channel"
	"fleetsync/internal/config"
	"fleetsync/internal/coordinator"
	"fleetsync/internal/fleet"
	"fleetsync/internal/logging"
	"fleetsync/internal/metrics"
	"fleetsync/internal/queue"
	"fleetsync/internal/remote"
	"fleetsync/internal/scheduler"
	"fleetsync/internal/worker"
)

func main() {
	var (
		cfgPath  = flag.String("config", "fleetsync.yaml", "YAML config path")
		addr     = flag.String("addr", "", "HTTP bind address (overrides http.addr)")
		logLevel = flag.String("log-level", "", "log level (overrides log.level)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Console); err != nil {
		fmt.Fprintln(os.Stderr, "log level:", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		sinks   []assignlog.Sink
		archive *assignlog.SQLiteSink
		tail    *assignlog.RedisSink
	)
	if cfg.Audit.SQLitePath != "" {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Audit.SQLitePath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open audit db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := assignlog.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure audit schema")
		}
		archive = assignlog.NewSQLiteSink(db)
		sinks = append(sinks, archive)
		log.Info().Str("path", cfg.Audit.SQLitePath).Msg("sqlite audit mirror enabled")
	}
	if cfg.Audit.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Audit.RedisAddr})
		defer rdb.Close()
		pctx, pcancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Audit.RedisAddr).Msg("redis unreachable; mirror writes will fail until it is back")
		}
		pcancel()
		tail = assignlog.NewRedisSink(rdb, cfg.Audit.RedisKey, cfg.Audit.RedisKeep)
		sinks = append(sinks, tail)
		log.Info().Str("addr", cfg.Audit.RedisAddr).Msg("redis audit mirror enabled")
	}

	auditLog := assignlog.New(assignlog.Options{MaxEntries: cfg.Audit.MaxEntries, Sinks: sinks, Observer: m})
	defer auditLog.Close()
	q := queue.New(cfg.Model(), auditLog)
	client := remote.New(remote.Options{
		BaseURL:    cfg.Service.BaseURL,
		Timeout:    cfg.Service.Timeout,
		RatePerSec: cfg.Service.RatePerSec,
		Burst:      cfg.Service.Burst,
		Metrics:    m,
	})
	coord := coordinator.New(q, fleet.New(), auditLog, client, coordinator.Options{Metrics: m})

	ch := channel.New(channel.Options{
		URL:                  cfg.Channel.URL,
		ReconnectInterval:    cfg.Channel.ReconnectInterval,
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		Metrics:              m,
	})
	coord.Bind(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresh, err := scheduler.NewService(coord, cfg.Refresh.Schedule, m)
	if err != nil {
		log.Fatal().Err(err).Msg("refresh scheduler")
	}
	go func() {
		if err := refresh.Start(ctx); err != nil {
			log.Error().Err(err).Msg("refresh scheduler stopped")
		}
	}()

	if cfg.Dispatch.Enabled {
		pool := worker.NewPool(coord, worker.Options{
			Workers:    cfg.Dispatch.Workers,
			PollEvery:  cfg.Dispatch.Interval,
			MinBattery: cfg.Dispatch.MinBattery,
		})
		go pool.Run(ctx)
	}

	go func() {
		err := config.Watch(ctx, *cfgPath, cfg, func(next config.Config) {
			q.SetModel(next.Model())
			log.Info().Dur("age_step", next.Priority.AgeStep).Int("max_age_bonus", next.Priority.MaxAgeBonus).
				Msg("priority tuning applied")
		})
		if err != nil {
			log.Warn().Err(err).Msg("config hot reload disabled")
		}
	}()

	ch.Open()

	apiOpts := api.Options{Debug: cfg.HTTP.Debug, Gatherer: reg, Channel: ch}
	// typed nil pointers must not reach the interfaces
	if archive != nil {
		apiOpts.Archive = archive
	}
	if tail != nil {
		apiOpts.Tail = tail
	}
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewServer(coord, apiOpts),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	cancel()
	ch.Close()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
