// Command cogmem is the operator CLI: serve runs the daemon in the
// foreground; status and backup talk to a running cogmemd over its admin
// HTTP surface; restore works directly on a stopped instance's on-disk
// tree. Adapted from liliang-cn-sqvect's cobra command tree (rootCmd with
// PersistentFlags, one var block per subcommand, init() wiring), restructured
// around the daemon's own surface instead of a graph-database CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abyssac/cogmem/config"
	"github.com/abyssac/cogmem/internal/coordinator"
	"github.com/abyssac/cogmem/internal/daemon"
)

var (
	configPath string
	addr       string
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "cogmem",
	Short: "Operator CLI for the cogmem daemon",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cogmem daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewLoader().WithConfigPath(configPath).WithValidator((*config.Config).Validate).Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		defer func() { _ = logger.Sync() }()

		d, err := daemon.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("assemble daemon: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return d.Run(ctx, os.Stdin, os.Stdout)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Fetch the running daemon's counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(addr+"/status", os.Stdout)
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Trigger a backup on the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(addr+"/backup", os.Stdout)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a stopped instance's data directory from backups/<backup-id>",
	Long: `Restore overwrites the data directory in place from a prior backup.
backup-id is the directory name a prior "backup" call reported (a
timestamp plus a short random suffix, e.g. 20260101120000-a1b2c3d4) — list
the data directory's backups/ folder to find it.
It reads and writes the directory tree directly — run it only against a
stopped daemon, never one that is currently serving, since the running
process's in-memory index and stores would go stale against the files
this command rewrites underneath them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := coordinator.RestoreTree(cfg.RecordRoot, args[0]); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		fmt.Fprintf(os.Stdout, "restored %s from backups/%s\n", cfg.RecordRoot, args[0])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("cogmem %s\n  build time: %s\n  git commit: %s\n", version, buildTime, gitCommit)
		return nil
	},
}

func getJSON(url string, w io.Writer) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return reencode(resp.Body, w)
}

func postJSON(url string, w io.Writer) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return reencode(resp.Body, w)
}

func reencode(body io.Reader, w io.Writer) error {
	var v interface{}
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "http://localhost:8090", "Daemon admin address")

	rootCmd.AddCommand(serveCmd, statusCmd, backupCmd, restoreCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
