package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a session as JSON or into SQLite",
		Long:  "Export the live values of the session as JSON, or into a SQLite database with full-text search when --sqlite is given.",
		Run:   runExport,
	}

	cmd.Flags().String("sqlite", "", "Write into this SQLite database instead of printing JSON")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite")

	s, session, err := openSessionStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if sqlitePath != "" {
		n, err := s.ExportSQLite(cmd.Context(), session, sqlitePath)
		if err != nil {
			exitErr("export", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"session":%q,"path":%q,"exported":%d}`+"\n", session, sqlitePath, n)
		return
	}

	entries, err := s.Export(cmd.Context(), session)
	if err != nil {
		exitErr("export", err)
	}

	b, _ := json.MarshalIndent(entries, "", "  ")
	fmt.Println(string(b))
}
