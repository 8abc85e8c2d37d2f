// Command settlementd runs the settlement engine: the scheduler loops, the
// notification websocket and the ops endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlementd",
		Short:         "Ledger-backed order settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); SETTLEMENT_* variables override it")

	rootCmd.AddCommand(serveCmd(), migrateCmd(), fundCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
