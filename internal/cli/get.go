package cli

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

// valueOut is a value as printed by the CLI. Values that are not valid
// UTF-8 are printed base64-encoded.
type valueOut struct {
	Session  string `json:"session"`
	Category string `json:"category"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Encoding string `json:"encoding,omitempty"`
}

func newValueOut(session, category, key string, v []byte) valueOut {
	out := valueOut{Session: session, Category: category, Key: key}
	if utf8.Valid(v) {
		out.Value = string(v)
	} else {
		out.Value = base64.StdEncoding.EncodeToString(v)
		out.Encoding = "base64"
	}
	return out
}

func init() {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Retrieve a value",
		Run:   runGet,
	}

	cmd.Flags().StringP("category", "c", "", "Category (required)")
	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().Bool("raw", false, "Print the value bytes only")

	cmd.MarkFlagRequired("category")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	key, _ := cmd.Flags().GetString("key")
	raw, _ := cmd.Flags().GetBool("raw")

	s, session, err := openSessionStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	v, ok, err := s.Get(cmd.Context(), session, category, key)
	if err != nil {
		exitErr("get", err)
	}
	if !ok {
		exitErr("get", fmt.Errorf("%s/%s not found in session %s", category, key, session))
	}

	if raw {
		cmd.OutOrStdout().Write(v)
		return
	}
	b, _ := json.MarshalIndent(newValueOut(session, category, key, v), "", "  ")
	fmt.Println(string(b))
}
