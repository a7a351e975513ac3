package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevelFlag string
	rootCmd      = &cobra.Command{
		Use:           "relay",
		Short:         "LAN chat relay with cloud mirror sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newSyncCmd(), newStatusCmd(), newChatCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
