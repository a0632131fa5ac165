package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcliao/agent-memstore/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Full-text search a SQLite export",
		Long:  "Search the session's keys and text values in a database written by export --sqlite. The query is an FTS5 match expression.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().String("sqlite", "", "Export database (required)")
	cmd.Flags().StringP("category", "c", "", "Filter by category")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	cmd.MarkFlagRequired("sqlite")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	path, _ := cmd.Flags().GetString("sqlite")
	category, _ := cmd.Flags().GetString("category")
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	if cfg.Session == "" {
		exitErr("search", fmt.Errorf("session is required (--session, $AGENT_MEMSTORE_SESSION or config)"))
	}
	p := store.SearchParams{Session: cfg.Session, Category: category, Query: query, Limit: limit}

	x, err := store.OpenSQLiteExport(path)
	if err != nil {
		exitErr("open export", err)
	}
	defer x.Close()

	results, err := x.Search(cmd.Context(), p)
	if err != nil {
		exitErr("search", err)
	}

	out := make([]valueOut, len(results))
	for i, e := range results {
		out[i] = newValueOut(e.SessionID, e.Category, e.Key, e.Value)
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
