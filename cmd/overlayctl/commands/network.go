package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l2sm/overlayd/pkg/overlayv1"
)

// Sentinel errors for CLI validation.
var (
	errLinkEndpoints = errors.New("--from and --to must be given together")
	errPathNeedsLink = errors.New("--path requires --from and --to")
)

func networkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "network",
		Aliases: []string{"net"},
		Short:   "Manage overlay networks",
	}

	cmd.AddCommand(networkListCmd())
	cmd.AddCommand(networkShowCmd())
	cmd.AddCommand(networkCreateCmd())
	cmd.AddCommand(networkDeleteCmd())
	cmd.AddCommand(networkAddPortCmd())

	return cmd
}

// --- network list ---

func networkListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all overlay networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.ListNetworks(context.Background(), &overlayv1.ListNetworksRequest{})
			if err != nil {
				return fmt.Errorf("list networks: %w", err)
			}

			out, err := formatNetworks(resp.Networks, outputFormat)
			if err != nil {
				return fmt.Errorf("format networks: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}

// --- network show ---

func networkShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show ports, hosts and programs of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.GetNetwork(context.Background(), &overlayv1.GetNetworkRequest{ID: args[0]})
			if err != nil {
				return fmt.Errorf("get network: %w", err)
			}

			out, err := formatNetwork(resp.Network, outputFormat)
			if err != nil {
				return fmt.Errorf("format network: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}

// --- network create ---

func networkCreateCmd() *cobra.Command {
	var (
		from string
		to   string
		path []string
	)

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an empty network, or a virtual link with --from/--to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := buildLinkSpec(from, to, path)
			if err != nil {
				return err
			}

			_, err = client.CreateNetwork(context.Background(), &overlayv1.CreateNetworkRequest{
				ID:   args[0],
				Link: link,
			})
			if err != nil {
				return fmt.Errorf("create network: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Network %s created.\n", args[0])

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&from, "from", "", "first endpoint port (device/number)")
	flags.StringVar(&to, "to", "", "second endpoint port (device/number)")
	flags.StringSliceVar(&path, "path", nil, "explicit device path from --from to --to")

	return cmd
}

// buildLinkSpec returns nil for a plain network.
func buildLinkSpec(from, to string, path []string) (*overlayv1.LinkSpec, error) {
	if from == "" && to == "" {
		if len(path) > 0 {
			return nil, errPathNeedsLink
		}
		return nil, nil //nolint:nilnil // no link requested
	}
	if from == "" || to == "" {
		return nil, errLinkEndpoints
	}
	return &overlayv1.LinkSpec{From: from, To: to, Path: path}, nil
}

// --- network delete ---

func networkDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a network and withdraw its programs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := client.DeleteNetwork(context.Background(), &overlayv1.DeleteNetworkRequest{ID: args[0]})
			if err != nil {
				return fmt.Errorf("delete network: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Network %s deleted.\n", args[0])

			return nil
		},
	}
}

// --- network add-port ---

func networkAddPortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-port <id> <device/port>",
		Short: "Attach a port to a network",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := client.AddPort(context.Background(), &overlayv1.AddPortRequest{
				ID:   args[0],
				Port: args[1],
			})
			if err != nil {
				return fmt.Errorf("add port: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Port %s added to %s.\n", args[1], args[0])

			return nil
		},
	}
}
