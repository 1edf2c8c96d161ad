package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/convsync/pkg/config"
	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/manager"
	"github.com/cuemby/convsync/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "convsync - keeps the conversation read store in step with the write store",
	Long: `convsync propagates committed conversation changes (sessions, turns and
steps) from the authoritative write store into the denormalized read store.

Changes flow through the change feed, latency-critical commands are also
projected immediately, and a reconciler repairs whatever either path missed.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"convsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("server", "localhost:8080", "Address of a running convsync API")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config and applies the logging flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = log.Level(level)
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSONOutput, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(cfg.Log)
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync core and its HTTP API",
	Long: `Run the change feed, partition workers, reconciler, store probes and the
HTTP API until interrupted. The write-store schema is migrated first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
			cfg.API.Addr = addr
		}
		if cmd.Flags().Changed("shard-index") {
			cfg.Reconciler.ShardIndex, _ = cmd.Flags().GetInt("shard-index")
		}
		if cmd.Flags().Changed("shard-count") {
			cfg.Reconciler.ShardCount, _ = cmd.Flags().GetInt("shard-count")
		}
		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mgr, err := manager.NewManager(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer mgr.Close()

		fmt.Printf("convsync %s serving on %s. Press Ctrl+C to stop.\n", Version, cfg.API.Addr)
		if err := mgr.Run(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the write-store tables and read-store indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mgr, err := manager.NewManager(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer mgr.Close()

		if err := mgr.Migrate(ctx); err != nil {
			return err
		}
		fmt.Printf("✓ Migrated %s write store and %s read store\n", cfg.WriteStore.Driver, cfg.ReadStore.Driver)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("convsync version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	runCmd.Flags().String("api-addr", "", "Address for the HTTP API; overrides api.addr")
	runCmd.Flags().Int("shard-index", 0, "Reconciler shard served by this node")
	runCmd.Flags().Int("shard-count", 1, "Number of reconciler shards")
}
