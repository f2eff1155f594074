package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scent-admin",
		Short:         "Operations tool for the perfume subscription service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "config/config.yaml", "Path to config file")

	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(chargeDueCmd())
	rootCmd.AddCommand(hashSecretCmd())

	return rootCmd
}
