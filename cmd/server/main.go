package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Poker/internal/adapters/http"
	wssignal "github.com/dkeye/Poker/internal/adapters/signal"
	"github.com/dkeye/Poker/internal/app"
	"github.com/dkeye/Poker/internal/app/orch"
	"github.com/dkeye/Poker/internal/config"
	"github.com/dkeye/Poker/internal/core"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/dkeye/Poker/internal/persistence"
)

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	deck := domain.DefaultDeck
	if len(cfg.Deck) > 0 {
		deck = domain.NewDeck(cfg.Deck...)
	}

	mode, err := persistence.ParseMode(cfg.Persistence.Mode)
	if err != nil {
		return err
	}
	store, err := persistence.Open(ctx, persistence.Config{
		Driver:       cfg.Persistence.Driver,
		PollInterval: cfg.Persistence.PollInterval,
		SQLitePath:   cfg.Persistence.SQLitePath,
		PostgresDSN:  cfg.Persistence.PostgresDSN,
		NATSURL:      cfg.Persistence.NATSURL,
		NATSBucket:   cfg.Persistence.NATSBucket,
	}, clock)
	if err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}

	reg := app.NewRegistry()
	routerSvc := app.NewRouter(reg, app.PolicyByName(cfg.Backpressure))
	sink := &app.Dispatcher{Router: routerSvc}

	var persister *app.Persister
	if store != nil {
		persister = app.NewPersister(store, app.PersisterConfig{
			Workers:    cfg.Persistence.Workers,
			QueueSize:  cfg.Persistence.QueueSize,
			MaxRetries: cfg.Persistence.MaxRetries,
			RetryDelay: cfg.Persistence.RetryDelay,
		}, clock)
		sink.Persister = persister
	}

	rooms := app.NewRoomManager(func(id domain.RoomID) core.RoomService {
		return core.NewRoomSession(id, core.SessionOptions{Deck: deck, Clock: clock, Sink: sink})
	})
	o := orch.NewOrchestrator(reg, rooms, routerSvc, store, mode)
	limiter := wssignal.NewRoomRateLimiter(cfg.RateLimit.Votes, cfg.RateLimit.Interval, clock)

	r := router.SetupRouter(ctx, cfg, o, limiter)
	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}).Handler(r)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// the persister outlives the HTTP server so it can drain the last writes
	pctx, stopPersister := context.WithCancel(context.Background())
	defer stopPersister()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("persistence", cfg.Persistence.Driver).Str("mode", string(mode)).Msg("Poker server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		o.Close()
		stopPersister()
		return nil
	})
	if persister != nil {
		g.Go(func() error {
			return persister.Run(pctx)
		})
	}

	err = g.Wait()
	if store != nil {
		if cerr := store.Close(); cerr != nil {
			log.Error().Err(cerr).Str("module", "persistence").Msg("close store")
		}
	}
	return err
}
