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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"statusflow/internal/api"
	"statusflow/internal/config"
	"statusflow/internal/dispatch"
	"statusflow/internal/engine"
	"statusflow/internal/send"
	"statusflow/internal/store"
	"statusflow/internal/summary"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		workers = flag.Int("workers", 0, "concurrent run executions (overrides config)")
		poll    = flag.Duration("poll", 0, "due-run poll interval (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *poll > 0 {
		cfg.PollInterval = config.Duration(*poll)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLite(db)

	gen := summary.NewHTTPGenerator(cfg.Summary.URL, cfg.Summary.APIKey)
	chat := send.NewWebhookChat(cfg.Chat.WebhookURL, cfg.Chat.Token, cfg.Chat.RatePerSec)
	email := send.NewHTTPEmail(cfg.Email.APIURL, cfg.Email.APIKey, cfg.Email.From)

	eng := engine.New(st, gen, chat, email, cfg.AppURL, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	disp := dispatch.New(st, eng, cfg.PollInterval.Std(), cfg.Workers, log.Logger)
	go disp.Start(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(st)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	disp.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
