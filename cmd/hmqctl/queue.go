package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twino-framework/twino-mq/internal/adminproto"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage broker queues",
	}
	cmd.AddCommand(queueCreateCmd())
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queuePauseCmd())
	cmd.AddCommand(queueDeleteCmd())
	return cmd
}

func queueCreateCmd() *cobra.Command {
	var acknowledge, status string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp adminproto.OKResponse
			req := adminproto.QueueCreateRequest{Name: args[0], Acknowledge: acknowledge, Status: status}
			if err := adminRequest(brokerAddr, adminproto.ContentQueueCreate, req, &resp); err != nil {
				return err
			}
			fmt.Printf("queue %q created\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&acknowledge, "acknowledge", "none", "Acknowledge policy: none, request, wait")
	cmd.Flags().StringVar(&status, "status", "running", "Initial queue status")
	return cmd
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues and their depth/subscriber counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp adminproto.QueueListResponse
			if err := adminRequest(brokerAddr, adminproto.ContentQueueList, struct{}{}, &resp); err != nil {
				return err
			}
			if len(resp.Queues) == 0 {
				fmt.Println("no queues")
				return nil
			}
			fmt.Printf("%-30s %-12s %8s %12s\n", "NAME", "STATUS", "DEPTH", "SUBSCRIBERS")
			for _, q := range resp.Queues {
				fmt.Printf("%-30s %-12s %8d %12d\n", q.Name, q.Status, q.Depth, q.Subscribers)
			}
			return nil
		},
	}
}

func queuePauseCmd() *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "pause <name>",
		Short: "Pause (or, with --resume, resume) a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp adminproto.OKResponse
			req := adminproto.QueuePauseRequest{Name: args[0], Pause: !resume}
			if err := adminRequest(brokerAddr, adminproto.ContentQueuePause, req, &resp); err != nil {
				return err
			}
			if resume {
				fmt.Printf("queue %q resumed\n", args[0])
			} else {
				fmt.Printf("queue %q paused\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume instead of pause")
	return cmd
}

func queueDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a queue, negative-acking its outstanding deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp adminproto.OKResponse
			req := adminproto.QueueDeleteRequest{Name: args[0]}
			if err := adminRequest(brokerAddr, adminproto.ContentQueueDelete, req, &resp); err != nil {
				return err
			}
			fmt.Printf("queue %q deleted\n", args[0])
			return nil
		},
	}
}
