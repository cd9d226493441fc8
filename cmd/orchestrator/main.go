package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/orchestrator"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/spf13/cobra"
)

var (
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
	Use:     "orchestratord",
	Short:   "decloud orchestrator - control plane for a decentralized VM-hosting mesh",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"orchestratord version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	configPath, _ := cmd.Flags().GetString("config")
	if err := config.LoadFile(cfg, configPath); err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator control plane",
	Long: `Serve starts every control-plane component — node registry, command
delivery, VM lifecycle manager, scheduler, mesh/obligation engine, metering
pipeline, latency tracker, and the HTTP API — against a single bbolt-backed
store, and blocks until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open data directory %q: %w", cfg.DataDir, err)
		}

		orch := orchestrator.New(cfg, store)
		orch.Start()
		fmt.Println("✓ control plane components started")

		httpSrv := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      orch.API,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()
		fmt.Printf("✓ api listening on %s\n", cfg.ListenAddr)
		fmt.Println("orchestrator is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nshutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		}

		if err := httpSrv.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "http server close error: %v\n", err)
		}
		orch.Stop()
		fmt.Println("✓ shutdown complete")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Open the data directory and ensure every storage bucket exists",
	Long: `Migrate is idempotent: it opens (creating if absent) the bbolt data
file and its buckets, then exits. Run it before the first "serve" on a fresh
data directory, or after an upgrade that adds a new bucket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open data directory %q: %w", cfg.DataDir, err)
		}
		defer store.Close()
		fmt.Printf("✓ data directory %q initialized\n", cfg.DataDir)
		return nil
	},
}
