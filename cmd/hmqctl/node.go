package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/twino-framework/twino-mq/internal/adminproto"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect cluster node presence",
	}
	cmd.AddCommand(nodeListCmd())
	return cmd
}

func nodeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known broker instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp adminproto.NodeListResponse
			if err := adminRequest(brokerAddr, adminproto.ContentNodeList, struct{}{}, &resp); err != nil {
				return err
			}
			if len(resp.Nodes) == 0 {
				fmt.Println("no nodes (cluster presence disabled, or this is a single standalone broker)")
				return nil
			}
			fmt.Printf("%-20s %-20s %-10s %8s %12s\n", "NODE", "ADDRESS", "STATE", "QUEUES", "UPTIME")
			for _, n := range resp.Nodes {
				uptime := time.Duration(n.UptimeSeconds * float64(time.Second)).Truncate(time.Second)
				fmt.Printf("%-20s %-20s %-10s %8d %12s\n", n.NodeID, n.Address, n.State, n.QueueCount, uptime)
			}
			return nil
		},
	}
}
