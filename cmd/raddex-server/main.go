package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/raddex/raddex/internal/config"
	"github.com/raddex/raddex/internal/domain/xray"
	"github.com/raddex/raddex/internal/platform/auth"
	"github.com/raddex/raddex/internal/platform/blobstore"
	"github.com/raddex/raddex/internal/platform/db"
	"github.com/raddex/raddex/internal/platform/middleware"
	"github.com/raddex/raddex/internal/platform/search"
	"github.com/raddex/raddex/internal/platform/seed"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "raddex-server",
		Short: "X-ray record catalog API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reindexCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the catalog API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the record store",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.SearchEnabled {
				return fmt.Errorf("SEARCH_ENABLED is false; nothing to reindex")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			engine, err := search.NewBleveEngine(cfg.SearchIndexPath)
			if err != nil {
				return fmt.Errorf("open search index: %w", err)
			}
			defer engine.Close()

			repo := xray.NewRecordRepoPG(pool)
			syncer := xray.NewSyncer(engine, repo, logger, xray.SyncerOptions{
				Batch:   cfg.ReindexBatch,
				Timeout: cfg.SearchTimeout,
			})
			n, err := syncer.ReindexAll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d record(s).\n", n)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate synthetic records for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			seedVal, _ := cmd.Flags().GetInt64("seed")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := xray.NewRecordRepoPG(pool)
			catRepo := xray.NewCategoryRepoPG(pool)
			svc := xray.NewService(repo, catRepo, nil)

			seeder := seed.New(seed.Config{RecordCount: count, Seed: seedVal}, serviceSink{svc})
			result, err := seeder.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d record(s) in %s.\n", result.Records, result.Duration)
			return nil
		},
	}
	cmd.Flags().Int("count", 100, "Number of records to generate")
	cmd.Flags().Int64("seed", 42, "Random seed for reproducible data")
	return cmd
}

// serviceSink adapts the record service to the seeder's sink interface.
type serviceSink struct {
	svc *xray.Service
}

func (s serviceSink) CreateRecord(ctx context.Context, patientID, bodyPart string, scanDate time.Time,
	institution, description, diagnosis string, tags []string) error {
	return s.svc.CreateRecord(ctx, &xray.Record{
		PatientID:   patientID,
		BodyPart:    bodyPart,
		ScanDate:    scanDate,
		Institution: institution,
		Description: description,
		Diagnosis:   diagnosis,
		Tags:        tags,
	})
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Search engine is a capability, not a requirement. Startup failures leave
	// the catalog running on the record store alone.
	var engine search.Engine
	if cfg.SearchEnabled {
		bleveEngine, err := search.NewBleveEngine(cfg.SearchIndexPath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to open search index, continuing without it")
		} else {
			engine = bleveEngine
			defer bleveEngine.Close()
			logger.Info().Str("path", cfg.SearchIndexPath).Msg("search index open")
		}
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, rid string) {
			c.Set("request_id", rid)
		},
	}))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "50M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.JWTSigningKey),
		}))
	}

	// Rate limiting sits behind auth so buckets key on the user identity.
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	// Domain wiring
	repo := xray.NewRecordRepoPG(pool)
	catRepo := xray.NewCategoryRepoPG(pool)

	var syncer *xray.Syncer
	if engine != nil {
		syncer = xray.NewSyncer(engine, repo, logger, xray.SyncerOptions{
			Batch:   cfg.ReindexBatch,
			Timeout: cfg.SearchTimeout,
			Async:   true,
		})
	}

	svc := xray.NewService(repo, catRepo, syncer)
	router := xray.NewRouter(engine, repo, logger)

	apiV1 := e.Group("/api/v1")
	xray.NewHandler(svc).RegisterRoutes(apiV1)
	xray.NewSearchHandler(router, syncer).RegisterRoutes(apiV1)

	// Image storage
	store, err := blobstore.NewFSBlobStore(cfg.BlobDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}
	blobGroup := apiV1.Group("", auth.RequireRole("admin", "radiologist", "technician"))
	blobstore.NewBlobHandler(store).RegisterRoutes(blobGroup)

	// Health check reports pool state plus search status.
	e.GET("/healthz", db.HealthHandler(pool, func() map[string]interface{} {
		status := map[string]interface{}{"enabled": engine != nil}
		if be, ok := engine.(*search.BleveEngine); ok {
			if n, err := be.DocCount(); err == nil {
				status["docs"] = n
			}
		}
		if syncer != nil {
			status["drift"] = syncer.Drift()
		}
		return map[string]interface{}{"search": status}
	}))

	// Start server with graceful shutdown.
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	if syncer != nil {
		syncer.Wait()
	}
	return nil
}
