package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the keys of a session",
		Run:   runList,
	}

	cmd.Flags().StringP("category", "c", "", "Filter by category")
	cmd.Flags().Bool("keys-only", false, "Only output category/key pairs")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	keysOnly, _ := cmd.Flags().GetBool("keys-only")

	s, session, err := openSessionStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	keys, err := s.ListKeys(cmd.Context(), session, category)
	if err != nil {
		exitErr("list", err)
	}

	if keysOnly {
		for _, k := range keys {
			fmt.Printf("%s/%s\n", k.Category, k.Key)
		}
		return
	}

	b, _ := json.MarshalIndent(keys, "", "  ")
	fmt.Println(string(b))
}
