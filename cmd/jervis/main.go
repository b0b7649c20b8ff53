package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jervisai/jervis/pkg/api"
	"github.com/jervisai/jervis/pkg/config"
	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/httpx"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/ratelimit"
	"github.com/jervisai/jervis/pkg/registry"
	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jervis",
	Short: "Jervis - personal knowledge ingestion and task daemon",
	Long: `Jervis continuously pulls issues, wiki pages, mail and git history
from configured connections, stages everything locally, indexes it into a
semantic search store and runs background tasks against a local planner.

All data stays on this machine; external systems are only ever read.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Jervis version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file")

	connectionCmd.AddCommand(connectionTestCmd)
	connectionCmd.AddCommand(connectionListCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectionCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Jervis daemon",
	Long: `Start every component: the connection poller, the continuous
indexer, the background task engine and the operational API. Runs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		api.Version = Version

		sup, err := supervisor.New(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := sup.Start(ctx); err != nil {
			sup.Stop()
			return err
		}

		fmt.Printf("Jervis is running on %s. Press Ctrl+C to stop.\n", cfg.API.Addr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		cancel()
		sup.Stop()
		return nil
	},
}

// Connection commands

var connectionCmd = &cobra.Command{
	Use:   "connection",
	Short: "Manage source connections",
}

var connectionTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Probe a connection and persist the verdict",
	Long: `Run the protocol-appropriate read-only probe against the named
connection. The stored connection state moves to VALID or INVALID based
on the outcome; only valid connections are polled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		limiter := ratelimit.New(
			cfg.RateLimit.MaxRequestsPerSecond,
			int(cfg.RateLimit.MaxRequestsPerMinute),
			time.Duration(cfg.RateLimit.IdleTTLMinutes)*time.Minute,
		)
		defer limiter.Stop()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		reg := registry.New(store, httpx.New(limiter, cfg.Retry.HTTP), broker)
		conn, err := reg.GetByName(args[0])
		if err != nil {
			return fmt.Errorf("connection %q: %w", args[0], err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := reg.TestConnection(ctx, conn.ID); err != nil {
			fmt.Printf("✗ %s: %v\n", conn.Name, err)
			os.Exit(1)
		}
		fmt.Printf("✓ %s is valid\n", conn.Name)
		return nil
	},
}

var connectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		conns, err := store.ListConnections()
		if err != nil {
			return err
		}
		if len(conns) == 0 {
			fmt.Println("No connections configured.")
			return nil
		}

		fmt.Printf("%-24s %-8s %-10s %s\n", "NAME", "KIND", "STATE", "ENABLED")
		for _, conn := range conns {
			fmt.Printf("%-24s %-8s %-10s %v\n", conn.Name, conn.Kind, conn.State, conn.Enabled)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline counters from a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + cfg.API.Addr + "/status")
		if err != nil {
			return fmt.Errorf("daemon not reachable on %s: %w", cfg.API.Addr, err)
		}
		defer resp.Body.Close()

		var status struct {
			Tasks     map[string]int            `json:"tasks"`
			Artifacts map[string]map[string]int `json:"artifacts"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return err
		}

		fmt.Println("Tasks:")
		printCounts(status.Tasks)

		sources := make([]string, 0, len(status.Artifacts))
		for source := range status.Artifacts {
			sources = append(sources, source)
		}
		sort.Strings(sources)
		for _, source := range sources {
			fmt.Printf("Artifacts (%s):\n", source)
			printCounts(status.Artifacts[source])
		}
		return nil
	},
}

func printCounts(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Println("  none")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-28s %d\n", k, counts[k])
	}
}
