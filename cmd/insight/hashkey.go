package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/insight-pipeline/internal/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the SHA-256 hash of an API key for the callers section",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash := auth.HashAPIKey(args[0])
		tier, _ := cmd.Flags().GetString("tier")
		id, _ := cmd.Flags().GetString("id")

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, hash)
		fmt.Fprintln(out, "\nAdd this to your config.yaml:")
		fmt.Fprintln(out, "callers:")
		fmt.Fprintf(out, "  - id: %q\n", id)
		fmt.Fprintf(out, "    tier: %s\n", tier)
		fmt.Fprintf(out, "    key_hash: %q\n", hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().String("id", "my-caller", "caller ID for the generated snippet")
	hashKeyCmd.Flags().String("tier", "standard", "tier for the generated snippet (standard, premium)")
	rootCmd.AddCommand(hashKeyCmd)
}
