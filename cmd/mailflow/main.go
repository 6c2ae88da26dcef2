package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"mailflow/internal/api"
	"mailflow/internal/export"
	"mailflow/internal/handlers/send"
	"mailflow/internal/migrate"
	"mailflow/internal/scheduler"
	"mailflow/internal/store"
	"mailflow/internal/worker"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "HTTP bind address")
		dbPath     = flag.String("db", "mailflow.db", "SQLite DB path")
		workers    = flag.Int("workers", 8, "number of worker goroutines")
		poll       = flag.Duration("poll", 250*time.Millisecond, "poll interval for pending tasks")
		schedEvery = flag.Duration("sched", 5*time.Second, "check interval for due schedules")
		taskTTL    = flag.Duration("task-timeout", time.Minute, "per-task execution timeout")
		staleAfter = flag.Duration("stale", 10*time.Minute, "fail running tasks untouched this long")
		tenants    = flag.String("tenants", "", "comma-separated tenant ids served by the worker pool")
		doMigrate  = flag.Bool("migrate", false, "run the schema migration engine and exit")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if *doMigrate {
		report, err := migrate.NewEngine(db).Run(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		log.Info().
			Bool("effectual", report.Effectual()).
			Strs("statuses", report.Statuses).
			Msg("migration complete")
		return
	}

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := store.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), *staleAfter); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("failed stale running tasks")
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Worker pool drives pending trigger tasks through the lifecycle.
	var tenantList []string
	for _, t := range strings.Split(*tenants, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenantList = append(tenantList, t)
		}
	}
	if len(tenantList) > 0 {
		pool := worker.NewPool(repo, send.New(repo), tenantList, *workers, *poll, *taskTTL)
		go pool.Run(ctx)
	} else {
		log.Info().Msg("no -tenants given; worker pool disabled, workers are external")
	}

	sched := scheduler.NewService(repo, *schedEvery)
	go sched.Start(ctx)

	exp := export.NewService(db)
	srv := &http.Server{Addr: *addr, Handler: api.NewServer(repo, exp)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
