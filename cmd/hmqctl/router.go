package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twino-framework/twino-mq/internal/adminproto"
)

func routerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Manage router bindings",
	}
	cmd.AddCommand(routerBindCmd())
	return cmd
}

func routerBindCmd() *cobra.Command {
	var (
		routerName  string
		priority    int
		kind        string
		firstOnly   bool
		autoCreate  bool
		interaction string
	)

	cmd := &cobra.Command{
		Use:   "bind <target>",
		Short: "Register a binding (queue name or @name:/@type: selector) in a router's table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp adminproto.OKResponse
			req := adminproto.RouterBindRequest{
				Router:      routerName,
				Priority:    priority,
				Kind:        kind,
				Target:      args[0],
				FirstOnly:   firstOnly,
				AutoCreate:  autoCreate,
				Interaction: interaction,
			}
			if err := adminRequest(brokerAddr, adminproto.ContentRouterBind, req, &resp); err != nil {
				return err
			}
			fmt.Printf("bound %q (priority %d, kind %s) on router %q\n", args[0], priority, kind, routerDisplayName(routerName))
			return nil
		},
	}
	cmd.Flags().StringVar(&routerName, "router", "", "Router name (default: the broker's default router)")
	cmd.Flags().IntVar(&priority, "priority", 100, "Binding priority, ascending")
	cmd.Flags().StringVar(&kind, "kind", "queue", "Binding kind: queue or client-set")
	cmd.Flags().BoolVar(&firstOnly, "first-only", false, "Stop routing once this binding delivers")
	cmd.Flags().BoolVar(&autoCreate, "auto-create", false, "Auto-create the target queue if missing")
	cmd.Flags().StringVar(&interaction, "interaction", "none", "Interaction: none, response, acknowledge")
	return cmd
}

func routerDisplayName(name string) string {
	if name == "" {
		return "default"
	}
	return name
}
