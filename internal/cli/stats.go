package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/rcliao/agent-memstore/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Run:   runStats,
	}

	cmd.Flags().BoolP("human", "H", false, "Human-readable text instead of JSON")

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	human, _ := cmd.Flags().GetBool("human")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}

	if human {
		printStats(cmd.OutOrStdout(), stats)
		return
	}
	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}

func printStats(w io.Writer, st *store.Stats) {
	fmt.Fprintf(w, "dir:          %s\n", st.Dir)
	fmt.Fprintf(w, "last seq:     %s\n", humanize.Comma(int64(st.LastSeq)))
	fmt.Fprintf(w, "live keys:    %s (%s)\n", humanize.Comma(int64(st.LiveKeys)), humanize.IBytes(uint64(st.LiveBytes)))
	fmt.Fprintf(w, "wal:          %s in %s records\n", humanize.IBytes(uint64(st.WALBytes)), humanize.Comma(st.WALRecords))
	if st.SnapshotAt != nil {
		fmt.Fprintf(w, "snapshot:     %s at seq %d, %s\n", humanize.IBytes(uint64(st.SnapshotBytes)), st.SnapshotWatermark, humanize.Time(*st.SnapshotAt))
	} else {
		fmt.Fprintf(w, "snapshot:     none\n")
	}
	fmt.Fprintf(w, "compactions:  %d (%d failed)\n", st.Compactions, st.CompactFailures)
	if st.LastCompactError != "" {
		fmt.Fprintf(w, "last error:   %s\n", st.LastCompactError)
	}
	for _, ss := range st.Sessions {
		fmt.Fprintf(w, "  %-28s %s keys\n", ss.Session, humanize.Comma(int64(ss.Keys)))
	}
}
