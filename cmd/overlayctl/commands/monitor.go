package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"github.com/l2sm/overlayd/pkg/overlayv1"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream program lifecycle events",
		Long:  "Connects to the overlayd daemon and streams program install, withdraw and failure events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stream, err := client.WatchPrograms(ctx, &overlayv1.WatchProgramsRequest{})
			if err != nil {
				return fmt.Errorf("watch programs: %w", err)
			}
			defer stream.Close()

			for stream.Receive() {
				out, fmtErr := formatEvent(stream.Msg(), outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}

				fmt.Fprint(cmd.OutOrStdout(), out)
			}

			if err := stream.Err(); err != nil {
				// Ctrl+C is expected, not an error.
				if errors.Is(err, context.Canceled) || connect.CodeOf(err) == connect.CodeCanceled {
					return nil
				}

				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}
}
