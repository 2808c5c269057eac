package main

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/api"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/config"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/database"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/engine"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/metrics"
)

func init() {
	// Configure zerolog for human-friendly console output
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	configFile := os.Getenv("KOMMOSYNC_CONFIG")

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	cfg.Log.ConfigureZerolog()

	log.Info().Msg("Starting Kommo configuration sync service")
	log.Info().
		Str("log_level", cfg.Log.Level).
		Bool("debug", cfg.Log.Debug).
		Msg("Log level configured")

	db, err := database.New(cfg.Database.DSN, database.WithDebug(cfg.Database.Debug))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func(db *database.DB) {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database connection")
		}
	}(db)

	m := metrics.New(prometheus.DefaultRegisterer)

	opts := engine.Options{
		FallbackCurrency: cfg.Sync.FallbackCurrency,
		StrictFields:     cfg.Sync.StrictFields,
		BatchSize:        cfg.Sync.BatchSize,
		BatchDelay:       cfg.Sync.BatchDelay,
	}
	factory := func(subdomain, accessToken string) engine.Remote {
		return kommo.NewClient(subdomain, accessToken,
			kommo.WithTimeout(cfg.Sync.RequestTimeout),
			kommo.WithMaxRateLimitRetries(cfg.Sync.MaxRateLimitRetries),
		)
	}
	orch := engine.NewOrchestrator(log.Logger, db, opts,
		engine.WithMetrics(m),
		engine.WithRemoteFactory(factory),
	)

	srv := api.NewServer(log.Logger, db, orch, api.WithRemoteFactory(factory))

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:           cfg.Server.ListenAddress(),
		Handler:        h2c.NewHandler(mux, &http2.Server{}),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	log.Info().
		Str("address", cfg.Server.ListenAddress()).
		Str("database", cfg.Database.DSN).
		Str("fallback_currency", cfg.Sync.FallbackCurrency).
		Msg("Starting sync server")
	log.Info().Msgf("Health check: http://%s/health", cfg.Server.ListenAddress())

	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("Server failed to start")
	}
}
