package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Fold the write-ahead log into a snapshot",
		Run:   runCompact,
	}

	RootCmd.AddCommand(cmd)
}

func runCompact(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	hdr, err := s.Compact(cmd.Context())
	if err != nil {
		exitErr("compact", err)
	}

	b, _ := json.MarshalIndent(hdr, "", "  ")
	fmt.Println(string(b))
}
