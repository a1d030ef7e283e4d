package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/billing"
	"github.com/PortNumber53/creator-membership/backend/internal/config"
	"github.com/PortNumber53/creator-membership/backend/internal/migrations"
	"github.com/PortNumber53/creator-membership/backend/internal/store"
)

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Config
	db     *sql.DB
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "dbtool",
		Short:        "Database maintenance for the membership backend",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
		// With no subcommand, apply migrations.
		RunE: func(*cobra.Command, []string) error {
			return a.migrate()
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return a.migrate()
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				v, dirty, err := migrations.Version(a.db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force the recorded schema version and clear the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version number: %s", args[0])
				}
				a.logger.Info("forcing database version", zap.Uint64("version", v))
				if err := migrations.ForceVersion(a.db, uint(v)); err != nil {
					return err
				}
				a.logger.Info("database version forced", zap.Uint64("version", v))
				return nil
			},
		},
		&cobra.Command{
			Use:   "fix",
			Short: "Roll a dirty schema back to the last clean version",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				a.logger.Info("attempting to fix dirty database")
				if err := migrations.FixDirtyDatabase(a.db); err != nil {
					return err
				}
				a.logger.Info("database fixed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "seats",
			Short: "Print elite seat occupancy",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, err := store.New(a.db)
				if err != nil {
					return err
				}
				seats := billing.NewSeatAllocator(st, nil, nil, a.cfg.EliteSeatCapacity, a.logger)
				summary, err := seats.Summary(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "capacity=%d occupied=%d available=%d\n",
					summary.Capacity, summary.Occupied, summary.Available)
				return nil
			},
		},
		&cobra.Command{
			Use:   "jobs",
			Short: "Print follow-up job queue counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				jobs, err := store.NewJobStore(a.db)
				if err != nil {
					return err
				}
				stats, err := jobs.GetStats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending=%d processing=%d completed=%d failed=%d total=%d\n",
					stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Total)
				return nil
			},
		},
	)

	return root
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg

	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	a.logger = logger

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db

	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) migrate() error {
	a.logger.Info("applying migrations")
	if err := migrations.Up(a.db, a.logger); err != nil {
		return err
	}
	a.logger.Info("migrations applied")
	return nil
}
