package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/l2sm/overlayd/pkg/overlayv1"
)

const defaultAddr = "localhost:50061"

var (
	// client is the ConnectRPC overlay service client, initialized in PersistentPreRunE.
	client overlayv1.OverlayServiceClient

	// outputFormat controls the output format for all commands.
	outputFormat string

	// serverAddr is the daemon address (host:port) for the ConnectRPC connection.
	serverAddr string
)

// newRootCmd builds the top-level command tree. The interactive shell
// builds a fresh tree for every line it executes.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "overlayctl",
		Short: "CLI client for the overlayd daemon",
		Long:  "overlayctl communicates with the overlayd daemon via ConnectRPC to manage overlay networks.",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			client = overlayv1.NewOverlayServiceClient(
				http.DefaultClient,
				"http://"+serverAddr,
			)

			return nil
		},
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// A rebuilt tree keeps the flags the process was started with.
	root.PersistentFlags().StringVar(&serverAddr, "addr", orDefault(serverAddr, defaultAddr),
		"overlayd daemon address (host:port)")
	root.PersistentFlags().StringVar(&outputFormat, "format", orDefault(outputFormat, formatTable),
		"output format: table, json, yaml")

	root.AddCommand(networkCmd())
	root.AddCommand(packetInCmd())
	root.AddCommand(monitorCmd())
	root.AddCommand(versionCmd())

	return root
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	root := newRootCmd()
	root.AddCommand(shellCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
