package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "hmqd",
		Short: "HMQ broker daemon",
		Long:  "Run the HMQ message broker: TCP/TLS listener, queue engines, router, and optional cluster/audit/observability backends.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a JSON config file (optional, env vars and defaults still apply)")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
