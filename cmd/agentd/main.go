package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fleetagent/internal/logging"
)

var (
	cfgFile  string
	debugLog bool

	rootCmd = &cobra.Command{
		Use:   "agentd",
		Short: "On-device OTA update agent",
		Long:  "agentd drives deployment manifests pushed by the cloud through download, backup, install, apply, and restore, reporting state back at each transition.",
	}
)

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
}

func initLogging() {
	logging.Initialize(debugLog)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
