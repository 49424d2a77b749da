package main

import (
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/z3rotig4r/ckks_tree/internal/envelope"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a fresh hex-encoded pre-shared key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := envelope.GenerateKey()
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(key)
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
