package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/busbridge/internal/bridge"
	"github.com/matst80/busbridge/internal/bus"
	"github.com/matst80/busbridge/internal/obs"
)

// readiness flips to ready once every listener and worker is running and to
// closing as soon as shutdown starts.
type readiness struct {
	mu      sync.Mutex
	ready   bool
	closing bool
}

func (r *readiness) set(ready, closing bool) {
	r.mu.Lock()
	r.ready, r.closing = ready, closing
	r.mu.Unlock()
}

func (r *readiness) ok() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready && !r.closing
}

func main() {
	if err := loadConfig(flag.CommandLine, os.Args[1:], &cfg); err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.LogFile != "" {
		closer := obs.UseFile(obs.FileOptions{Path: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB, MaxBackups: cfg.LogMaxBackups})
		defer closer.Close()
	}
	obs.Info("server.start", obs.Fields{"external": cfg.ExternalAddr, "internal": cfg.InternalAddr, "metrics": cfg.MetricsAddr, "redis": cfg.RedisAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	var events bridge.EventSource
	if cfg.RedisAddr != "" {
		var err error
		rdb, err = bus.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			obs.Error("redis.dial", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
			os.Exit(1)
		}
		defer rdb.Close()
		events = bus.NewSubscriber(rdb, bus.Options{StartID: cfg.StartID})
	} else {
		obs.Warn("bus.disabled", obs.Fields{"reason": "no redis address"})
	}

	b, err := bridge.New(cfg.bridgeConfig(), newWhitelistSource(&cfg, rdb), events)
	if err != nil {
		obs.Error("bridge.new", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	state := &readiness{}
	srv := newMetricsServer(cfg.MetricsAddr, b, state)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": cfg.MetricsAddr})
		}
	}()

	b.Start(ctx)
	state.set(true, false)
	obs.Info("server.ready", obs.Fields{})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hup:
			obs.Info("whitelist.refresh.signal", obs.Fields{})
			b.Refresh()
		}
	}

	obs.Info("server.shutdown.signal", obs.Fields{})
	state.set(false, true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := b.Close(); err != nil {
		obs.Error("bridge.close", obs.Fields{"err": err.Error()})
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}
