package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tenantkit/tenantkit/internal/config"
	"github.com/tenantkit/tenantkit/pkg/clone"
	"github.com/tenantkit/tenantkit/pkg/drift"
	"github.com/tenantkit/tenantkit/pkg/migrate"
	"github.com/tenantkit/tenantkit/pkg/pool"
	"github.com/tenantkit/tenantkit/pkg/schema"
	"github.com/tenantkit/tenantkit/pkg/tenantdb"
)

// Exit codes: 0 success, 1 error, 2 partial failure in a batch.
const exitPartial = 2

func main() {
	rootCmd := &cobra.Command{
		Use:   "tenantctl",
		Short: "Multi-tenant PostgreSQL schema and migration toolkit",
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(driftCmd())
	rootCmd.AddCommand(warmupCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildOrchestrator wires an Orchestrator from environment configuration. The
// returned cancel function tears down pools and stops on SIGINT/SIGTERM.
func buildOrchestrator(ctx context.Context) (*tenantdb.Orchestrator, context.Context, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

	orch, err := tenantdb.New(ctx, tenantdb.Config{
		DatabaseURL:           cfg.DatabaseURL,
		SchemaNameTemplate:    cfg.SchemaName,
		DiscoverTenants:       tenantdb.StaticTenants(cfg.TenantList()...),
		MigrationsDir:         cfg.MigrationsDir,
		SharedMigrationsDir:   cfg.SharedMigrationsDir,
		MigrationsTable:       cfg.MigrationsTable,
		SharedMigrationsTable: cfg.SharedTable,
		TableFormat:           schema.Format(cfg.TableFormat),
		MaxPools:              cfg.MaxPools,
		PoolTTL:               cfg.PoolTTL(),
		PoolTuning: pool.OpenOptions{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		},
		Concurrency: cfg.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	cleanup := func() {
		cancel()
		orch.Dispose()
	}
	return orch, ctx, cleanup, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations to tenant schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			withShared, _ := cmd.Flags().GetBool("with-shared")
			tenant, _ := cmd.Flags().GetString("tenant")

			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			opts := migrate.Options{DryRun: dryRun}

			if tenant != "" {
				res := orch.MigrateTenant(ctx, tenant, opts)
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Success {
					os.Exit(1)
				}
				return nil
			}

			if withShared {
				res, err := orch.MigrateAllWithShared(ctx, opts, migrate.BatchOptions{})
				if err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
				exitForBatch(res.Tenants, !res.Shared.Success)
				return nil
			}

			res, err := orch.MigrateAll(ctx, opts, migrate.BatchOptions{})
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			exitForBatch(res, false)
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "List pending migrations without applying")
	cmd.Flags().Bool("with-shared", false, "Migrate the shared schema first")
	cmd.Flags().String("tenant", "", "Migrate a single tenant")
	return cmd
}

// exitForBatch maps batch outcomes onto exit codes.
func exitForBatch(res migrate.BatchResult, sharedFailed bool) {
	switch {
	case res.Failed == res.Total && res.Total > 0:
		os.Exit(1)
	case res.Failed > 0 || res.Skipped > 0 || sharedFailed:
		os.Exit(exitPartial)
	}
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status for every tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			shared, _ := cmd.Flags().GetBool("shared")

			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if shared {
				return printJSON(orch.SharedStatus(ctx))
			}
			if tenant != "" {
				return printJSON(orch.TenantStatus(ctx, tenant))
			}
			statuses, err := orch.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(statuses)
		},
	}
	cmd.Flags().String("tenant", "", "Show a single tenant")
	cmd.Flags().Bool("shared", false, "Show the shared schema instead")
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a tenant schema and migrate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			skipMigrate, _ := cmd.Flags().GetBool("skip-migrate")

			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := orch.CreateTenant(ctx, args[0], tenantdb.CreateTenantOptions{SkipMigrate: skipMigrate})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	createCmd.Flags().Bool("skip-migrate", false, "Create the schema without running migrations")
	cmd.AddCommand(createCmd)

	dropCmd := &cobra.Command{
		Use:   "drop <id>",
		Short: "Drop a tenant schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			restrict, _ := cmd.Flags().GetBool("restrict")

			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := orch.DropTenant(ctx, args[0], tenantdb.DropTenantOptions{Restrict: restrict}); err != nil {
				return err
			}
			fmt.Printf("tenant %s dropped\n", args[0])
			return nil
		},
	}
	dropCmd.Flags().Bool("restrict", false, "Fail instead of cascading when the schema is not empty")
	cmd.AddCommand(dropCmd)

	cloneCmd := &cobra.Command{
		Use:   "clone <source> <target>",
		Short: "Clone a tenant schema into a new tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			includeData, _ := cmd.Flags().GetBool("data")

			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res := orch.CloneTenant(ctx, args[0], args[1], clone.Options{IncludeData: includeData})
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	cloneCmd.Flags().Bool("data", false, "Copy table data as well as structure")
	cmd.AddCommand(cloneCmd)

	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile disk migrations with bookkeeping tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report missing and orphan migrations per tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			reports, err := orch.SyncStatus(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(reports); err != nil {
				return err
			}
			for _, r := range reports {
				if !r.InSync {
					os.Exit(exitPartial)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "mark-missing <id>",
		Short: "Record untracked disk migrations without running SQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return printJSON(orch.MarkMissing(ctx, args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clean-orphans <id>",
		Short: "Delete bookkeeping rows with no disk file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return printJSON(orch.CleanOrphans(ctx, args[0]))
		},
	})

	return cmd
}

func driftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare tenant schemas against a reference tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			reference, _ := cmd.Flags().GetString("reference")
			indexes, _ := cmd.Flags().GetBool("indexes")
			constraints, _ := cmd.Flags().GetBool("constraints")

			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			status, err := orch.SchemaDrift(ctx, reference, drift.Options{
				IncludeIndexes:     indexes,
				IncludeConstraints: constraints,
			})
			if err != nil {
				return err
			}
			if err := printJSON(status); err != nil {
				return err
			}
			if status.WithDrift > 0 || status.Errored > 0 {
				os.Exit(exitPartial)
			}
			return nil
		},
	}
	cmd.Flags().String("reference", "", "Reference tenant (default: first discovered)")
	cmd.Flags().Bool("indexes", true, "Compare indexes")
	cmd.Flags().Bool("constraints", true, "Compare constraints")
	return cmd
}

func warmupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warmup",
		Short: "Pre-establish pools for all configured tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			results := orch.Warmup(ctx, cfg.TenantList(), pool.WarmupOptions{})
			if err := printJSON(results); err != nil {
				return err
			}
			for _, r := range results {
				if !r.OK {
					os.Exit(exitPartial)
				}
			}
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report pool statistics and ping latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, ctx, cleanup, err := buildOrchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report := orch.HealthCheck(ctx, pool.HealthOptions{Ping: true, IncludeShared: true})
			if err := printJSON(report); err != nil {
				return err
			}
			if report.Status != pool.StatusHealthy {
				os.Exit(1)
			}
			return nil
		},
	}
}
