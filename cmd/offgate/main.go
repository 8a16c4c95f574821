package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "offgate",
	Short: "Offline-support gateway",
	Long:  "Offline-support gateway for web applications.\nIntercepts API traffic, caches responses, and queues writes while the upstream is unreachable.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the offgate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("offgate %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
