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
		Use:   "context [query]",
		Short: "Assemble a session's values for a prompt",
		Long:  "Score the session's text values by match and recency, then greedily pack them into a token budget.",
		Run:   runContext,
	}

	cmd.Flags().StringP("category", "c", "", "Filter by category")
	cmd.Flags().IntP("budget", "b", 4000, "Max tokens in output")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	budget, _ := cmd.Flags().GetInt("budget")
	query := strings.Join(args, " ")

	s, session, err := openSessionStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	result, err := s.Context(cmd.Context(), store.ContextParams{
		Session:  session,
		Category: category,
		Query:    query,
		Budget:   budget,
	})
	if err != nil {
		exitErr("context", err)
	}

	b, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(b))
}
