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

	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vetclinic/queue-service/internal/config"
	"vetclinic/queue-service/internal/httpapi"
	"vetclinic/queue-service/internal/hub"
	"vetclinic/queue-service/internal/metrics"
	"vetclinic/queue-service/internal/queue"
	"vetclinic/queue-service/internal/seed"
	"vetclinic/queue-service/internal/store"
	"vetclinic/queue-service/internal/store/memory"
	"vetclinic/queue-service/internal/store/postgres"
	"vetclinic/queue-service/internal/store/sqlite"
	"vetclinic/queue-service/internal/telemetry"
)

const serviceName = "queue-service"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Veterinary front-desk queue service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			seedFile, _ := cmd.Flags().GetString("seed")
			return runServer(seedFile)
		},
	}
	cmd.Flags().String("seed", "", "JSON directory fixture applied before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			var applied int
			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				applied, err = postgres.Migrate(ctx, pool)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			case config.DriverSQLite:
				st, err := sqlite.Open(cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer st.Close()
				applied, err = st.Migrate(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			default:
				fmt.Println("memory store has no schema; nothing to migrate")
				return nil
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", applied)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Load clinics, owners, animals and appointments from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver == config.DriverMemory {
				return errors.New("seeding the memory store only lasts for one process; use serve --seed")
			}
			ctx := context.Background()
			st, err := openStore(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := applySeed(ctx, st, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d clinic(s), %d owner(s), %d animal(s), %d appointment(s).\n",
				res.Clinics, res.Owners, res.Animals, res.Appointments)
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// openStore connects the configured backend. SQL backends are migrated on
// open so a fresh database is usable immediately.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("connected to postgres")
		return postgres.NewStore(pool), nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		applied, err := st.Migrate(ctx)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info().Int("applied", applied).Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return st, nil
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store; queue state is lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownDriver, cfg.StoreDriver)
	}
}

func applySeed(ctx context.Context, st store.Store, path string) (seed.Result, error) {
	dir, err := seed.LoadFile(path)
	if err != nil {
		return seed.Result{}, err
	}
	return seed.Apply(ctx, st, dir)
}

func runServer(seedFile string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	shutdownTelemetry := telemetry.Setup(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if seedFile != "" {
		res, err := applySeed(ctx, st, seedFile)
		if err != nil {
			return fmt.Errorf("seed %s: %w", seedFile, err)
		}
		logger.Info().Int("clinics", res.Clinics).Int("animals", res.Animals).
			Int("appointments", res.Appointments).Msg("directory seeded")
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	m := metrics.New()
	board := hub.New(logger.With().Str("component", "hub").Logger())
	svc := queue.NewService(st, queue.Options{
		Location:          loc,
		RoomConflictCheck: cfg.RoomConflictCheck,
		Logger:            logger.With().Str("component", "queue").Logger(),
		Metrics:           m,
		Publisher:         board,
	})

	realtime := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		board.Serve(context.Background(), session, svc.ClinicExists)
	})

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		ClinicPerMinute: cfg.ClinicRateLimitPerMin,
		ClinicBurst:     cfg.ClinicRateLimitBurst,
	})
	e := httpapi.NewServer(httpapi.NewHandler(svc, st.Ping), httpapi.ServerOptions{
		Logger:   logger,
		Metrics:  m,
		Limiter:  limiter,
		Realtime: realtime,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(e, serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
