package main

import (
	"context"
	"encoding/json"
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

	"github.com/medsafe/medsafe/internal/config"
	"github.com/medsafe/medsafe/internal/domain/interaction"
	"github.com/medsafe/medsafe/internal/platform/auth"
	"github.com/medsafe/medsafe/internal/platform/db"
	"github.com/medsafe/medsafe/internal/platform/llm"
	"github.com/medsafe/medsafe/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medsafe-server",
		Short: "Drug-drug interaction alert service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(evidenceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the interaction screening API server",
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

	// migrate up
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

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
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

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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

// checkCmd runs a single interaction screen from the command line, for
// operators verifying the pipeline without going through the API.
func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a one-off interaction screen",
		RunE: func(cmd *cobra.Command, args []string) error {
			newMed, _ := cmd.Flags().GetString("new")
			existing, _ := cmd.Flags().GetStringSlice("existing")
			ageGroup, _ := cmd.Flags().GetString("age-group")
			renal, _ := cmd.Flags().GetBool("renal")
			hepatic, _ := cmd.Flags().GetBool("hepatic")
			cardiac, _ := cmd.Flags().GetBool("cardiac")

			if newMed == "" {
				return fmt.Errorf("--new is required")
			}

			logger := newLogger()
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

			client, err := llm.NewClient(ctx, cfg.GeminiAPIKey)
			if err != nil {
				return err
			}

			orch := interaction.NewOrchestrator(
				llm.NewEngine(client, cfg.GeminiModel),
				interaction.NewGraphStorePG(pool),
				interaction.NewEvidenceIndexPG(pool, llm.NewEmbedder(client, cfg.EmbeddingModel)),
				interaction.OrchestratorConfig{
					MaxTurns:      cfg.OrchMaxTurns,
					EngineTimeout: cfg.OrchEngineTimeout,
					ToolTimeout:   cfg.OrchToolTimeout,
					EvidenceTopK:  cfg.EvidenceTopK,
				},
				logger,
			)

			var existingRefs []interaction.MedicationRef
			for _, name := range existing {
				existingRefs = append(existingRefs, interaction.MedicationRef{Name: name})
			}
			result := orch.Run(ctx, interaction.ScreenRequest{
				Patient: interaction.PatientContext{
					AgeGroup:      interaction.AgeGroup(ageGroup),
					RenalStatus:   renal,
					HepaticStatus: hepatic,
					CardiacStatus: cardiac,
				},
				Existing: existingRefs,
				Proposed: interaction.MedicationRef{Name: newMed},
			})

			out, err := json.MarshalIndent(result.Alert, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if result.Fallback {
				fmt.Println("(fallback alert: the reasoning engine did not complete)")
			}
			return nil
		},
	}
	cmd.Flags().String("new", "", "Proposed medication name")
	cmd.Flags().StringSlice("existing", nil, "Existing medication names (comma-separated)")
	cmd.Flags().String("age-group", "Adult", "Age group: Pediatric, Adult or Elderly")
	cmd.Flags().Bool("renal", false, "Patient has renal impairment")
	cmd.Flags().Bool("hepatic", false, "Patient has hepatic impairment")
	cmd.Flags().Bool("cardiac", false, "Patient has cardiac disease")
	return cmd
}

// evidenceCmd manages the evidence corpus.
func evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Manage the evidence corpus",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Embed and index an evidence snippet",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, _ := cmd.Flags().GetString("text")
			if text == "" {
				return fmt.Errorf("--text is required")
			}

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

			client, err := llm.NewClient(ctx, cfg.GeminiAPIKey)
			if err != nil {
				return err
			}

			index := interaction.NewEvidenceIndexPG(pool, llm.NewEmbedder(client, cfg.EmbeddingModel))
			if err := index.Add(ctx, text); err != nil {
				return err
			}
			fmt.Println("Snippet indexed.")
			return nil
		},
	}
	addCmd.Flags().String("text", "", "Snippet text to index")
	cmd.AddCommand(addCmd)

	return cmd
}

func runServer() error {
	logger := newLogger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Gemini client — one client backs both the reasoning engine and the
	// evidence embedder.
	client, err := llm.NewClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gemini client")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(2 * time.Minute))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Interaction screening domain
	embedder := llm.NewEmbedder(client, cfg.EmbeddingModel)
	orch := interaction.NewOrchestrator(
		llm.NewEngine(client, cfg.GeminiModel),
		interaction.NewGraphStorePG(pool),
		interaction.NewEvidenceIndexPG(pool, embedder),
		interaction.OrchestratorConfig{
			MaxTurns:      cfg.OrchMaxTurns,
			EngineTimeout: cfg.OrchEngineTimeout,
			ToolTimeout:   cfg.OrchToolTimeout,
			EvidenceTopK:  cfg.EvidenceTopK,
		},
		logger,
	)
	svc := interaction.NewService(
		orch,
		interaction.NewAlertRepoPG(pool),
		interaction.NewMedicationRepoPG(pool),
		interaction.NewPrescriptionRepoPG(pool),
		logger,
	)
	interaction.NewHandler(svc).RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
