package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var brokerAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "hmqctl",
		Short: "HMQ broker admin CLI",
		Long:  "Inspect and administer a running hmqd instance over its own HMQP/2.1 connection",
	}

	rootCmd.PersistentFlags().StringVar(&brokerAddr, "addr", ":2345", "hmqd broker address")
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(routerCmd())
	rootCmd.AddCommand(nodeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
