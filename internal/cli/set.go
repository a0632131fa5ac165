package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "set [value]",
		Short: "Store a value",
		Long:  "Store a value under a category and key. The value can be a positional arg or piped via stdin.",
		Run:   runSet,
	}

	cmd.Flags().StringP("category", "c", "", "Category (required)")
	cmd.Flags().StringP("key", "k", "", "Key (required)")

	cmd.MarkFlagRequired("category")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runSet(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	key, _ := cmd.Flags().GetString("key")

	// Get value: positional arg first, then check stdin
	var value []byte
	if len(args) > 0 {
		value = []byte(strings.Join(args, " "))
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			value = b
		}
	}
	if value == nil {
		exitErr("set", fmt.Errorf("value is required (positional arg or stdin)"))
	}

	s, session, err := openSessionStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	seq, err := s.Set(cmd.Context(), session, category, key, value)
	if err != nil {
		exitErr("set", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"session":%q,"category":%q,"key":%q,"seq":%d}`+"\n", session, category, key, seq)
}
