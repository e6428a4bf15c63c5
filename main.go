package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/termshare/termshare/internal/audit"
	"github.com/termshare/termshare/internal/config"
	"github.com/termshare/termshare/internal/handlers"
	"github.com/termshare/termshare/internal/logging"
	"github.com/termshare/termshare/internal/push"
	"github.com/termshare/termshare/internal/session"
	"github.com/termshare/termshare/internal/snapshot"
	"github.com/termshare/termshare/internal/sshtransport"
)

func main() {
	config.Load()
	logging.Init()

	ctx := context.Background()

	// Durable snapshot cache. A missing Redis degrades to in-memory-only
	// operation: live sessions keep working, discovery does not survive a
	// restart.
	var store snapshot.Store
	if config.Cfg.RedisAddr == "" {
		log.Printf("WARNING: no Redis address configured; session snapshots are in-memory only")
		store = snapshot.NewMemoryStore()
	} else {
		redisStore, err := snapshot.NewRedisStore(ctx, snapshot.RedisConfig{
			Addr:      config.Cfg.RedisAddr,
			KeyPrefix: config.Cfg.SnapshotKeyPrefix,
		})
		if err != nil {
			log.Printf("WARNING: durable cache unavailable, session snapshots are in-memory only: %v", err)
			store = snapshot.NewMemoryStore()
		} else {
			store = redisStore
			log.Printf("Snapshot store connected to Redis at %s", config.Cfg.RedisAddr)
		}
	}
	defer store.Close()

	// Audit log. Optional; a failure to open disables auditing.
	var auditor *audit.Auditor
	if config.Cfg.AuditDBPath != "" {
		var err error
		auditor, err = audit.Open(config.Cfg.AuditDBPath, config.Cfg.AuditRetentionDays)
		if err != nil {
			log.Printf("WARNING: audit database unavailable, auditing disabled: %v", err)
		} else {
			log.Printf("Audit log at %s (retention %d days)", config.Cfg.AuditDBPath, config.Cfg.AuditRetentionDays)
		}
	}

	pool := sshtransport.NewPool(config.Cfg.PoolMaxEntries, config.Cfg.ConnectTimeoutDuration())
	hub := push.NewHub(5 * time.Second)

	mgr := session.NewManager(session.Config{
		Pool:         pool,
		Store:        store,
		Sink:         hub,
		Auditor:      auditor,
		IdleTimeout:  config.Cfg.IdleTimeoutDuration(),
		PollTimeout:  config.Cfg.PollTimeoutDuration(),
		PollMaxBytes: config.Cfg.PollMaxBytes,
	})
	log.Printf("Session manager initialized (idle_timeout=%s, poll_timeout=%s)",
		config.Cfg.IdleTimeoutDuration(), config.Cfg.PollTimeoutDuration())

	if n := mgr.RestoreOnStartup(ctx); n > 0 {
		log.Printf("Restored %d session(s); they require recreation before streaming", n)
	}

	// Background jobs: the idle reaper plus a daily audit retention sweep.
	c := cron.New()
	if _, err := c.AddFunc(config.Cfg.ReapSchedule, func() { mgr.ReapIdle() }); err != nil {
		log.Fatalf("invalid reap schedule %q: %v", config.Cfg.ReapSchedule, err)
	}
	if auditor != nil {
		if _, err := c.AddFunc("@daily", func() { auditor.Sweep() }); err != nil {
			log.Fatalf("audit sweep schedule: %v", err)
		}
	}
	c.Start()

	api := &handlers.API{Manager: mgr, Hub: hub, Auditor: auditor}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Mount("/api/v1", api.Routes())

	server := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Listening on %s", config.Cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARNING: server shutdown: %v", err)
	}

	<-c.Stop().Done()
	mgr.Shutdown()
	pool.Close()
}
