package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rcliao/agent-memstore/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Session management",
	}

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Print a fresh session ID",
		Run:   runSessionNew,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the session the other commands would use",
		Run:   runSessionShow,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions holding live values",
		Run:   runSessionList,
	}

	sessionCmd.AddCommand(newCmd, showCmd, listCmd)
	RootCmd.AddCommand(sessionCmd)
}

func runSessionNew(cmd *cobra.Command, args []string) {
	fmt.Fprintln(cmd.OutOrStdout(), session.NewID())
}

func runSessionShow(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	if cfg.Session == "" {
		exitErr("session", fmt.Errorf("no session set (--session, $AGENT_MEMSTORE_SESSION or config)"))
	}
	if err := session.Validate(cfg.Session); err != nil {
		exitErr("session", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.Session)
}

func runSessionList(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	sessions, err := s.Sessions(cmd.Context())
	if err != nil {
		exitErr("list sessions", err)
	}

	b, _ := json.MarshalIndent(sessions, "", "  ")
	fmt.Println(string(b))
}
