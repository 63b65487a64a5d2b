package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/domain/authn"
	"github.com/carebridge/carebridge/internal/platform/db"
	"github.com/carebridge/carebridge/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "carebridge-server",
		Short:        "CareBridge authentication and onboarding API",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(superadminCmd())
	return rootCmd
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// loadConfig reads and validates the configuration. The server refuses to
// start without token secrets.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger = newLogger(cfg.Env, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer app.Close()

	e, err := app.Router()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).
			Str("store", cfg.StoreDriver).Str("otp_store", cfg.OTPStoreDriver).
			Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
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
			to, _ := cmd.Flags().GetInt("to")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			var count int
			if to > 0 {
				count, err = migrator.UpTo(ctx, to)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply migrations up to and including this version")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func superadminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "superadmin",
		Short: "Manage platform superadmins",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a superadmin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("superadmin create needs STORE_DRIVER=%s", config.DriverPostgres)
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, _ := account.NewRegistryPG(pool).For(account.RoleSuperAdmin)
			acc, err := authn.CreateSuperAdmin(ctx, store, account.NewBcryptHasher(cfg.BcryptCost), authn.SignupInput{
				Name:     name,
				Email:    email,
				Password: password,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created superadmin %s (%s)\n", acc.Email, acc.ID)
			return nil
		},
	}
	createCmd.Flags().String("name", "Super Admin", "Display name")
	createCmd.Flags().String("email", "", "Login email")
	createCmd.Flags().String("password", "", "Initial password")
	cmd.AddCommand(createCmd)

	return cmd
}
