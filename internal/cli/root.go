// Package cli implements the agent-memstore CLI commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rcliao/agent-memstore/internal/config"
	"github.com/rcliao/agent-memstore/internal/store"
	"github.com/spf13/cobra"
)

var (
	dirFlag     string
	sessionFlag string
	configFlag  string
	syncFlag    string
	strictFlag  bool
	verboseFlag bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-memstore",
	Short: "Persistent, session-scoped memory for AI agents",
	Long: "A small CLI over a crash-safe, log-structured memory store. Values are grouped\n" +
		"by session and category; several agents may share one store directory.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "d", "", "Store directory (default: $AGENT_MEMSTORE_DIR or ~/.agent-memstore)")
	RootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "", "Session ID (default: $AGENT_MEMSTORE_SESSION)")
	RootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: <dir>/config.yaml when present)")
	RootCmd.PersistentFlags().StringVar(&syncFlag, "sync", "", "Fsync policy: always or batch")
	RootCmd.PersistentFlags().BoolVar(&strictFlag, "strict", false, "Reject operations on other sessions")
	RootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging on stderr")
}

func getDir() string {
	if dirFlag != "" {
		return dirFlag
	}
	if env := os.Getenv("AGENT_MEMSTORE_DIR"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-memstore")
}

// getSession returns the session named on the command line or in the
// environment, or "" when neither is set.
func getSession(cfg *config.Config) string {
	if sessionFlag != "" {
		return sessionFlag
	}
	if env := os.Getenv("AGENT_MEMSTORE_SESSION"); env != "" {
		return env
	}
	return cfg.Session
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Resolve(configFlag, getDir())
	if err != nil {
		return nil, err
	}
	cfg.Merge(&config.Config{
		Session:       getSession(cfg),
		StrictSession: strictFlag,
		Sync:          syncFlag,
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.LogLevel)
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openStore() (*store.LogStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(getDir(), cfg.Options(newLogger(cfg)))
}

// openSessionStore opens the store for commands that act on one session,
// which must be named explicitly: a CLI process is too short-lived for a
// generated session to be useful.
func openSessionStore() (*store.LogStore, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	if cfg.Session == "" {
		return nil, "", fmt.Errorf("session is required (--session, $AGENT_MEMSTORE_SESSION or config)")
	}
	s, err := store.Open(getDir(), cfg.Options(newLogger(cfg)))
	if err != nil {
		return nil, "", err
	}
	return s, cfg.Session, nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
