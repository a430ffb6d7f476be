package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/l2sm/overlayd/pkg/overlayv1"
)

var errPortRequired = errors.New("--port flag is required")

func packetInCmd() *cobra.Command {
	var (
		port     string
		frameHex string
	)

	cmd := &cobra.Command{
		Use:   "packet-in",
		Short: "Inject a raw Ethernet frame as if received on a port",
		Long: "Sends a hex-encoded Ethernet frame to the daemon's packet-in path and " +
			"prints the forwarding decision.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == "" {
				return errPortRequired
			}

			frame, err := decodeFrameHex(frameHex)
			if err != nil {
				return err
			}

			resp, err := client.PacketIn(context.Background(), &overlayv1.PacketInRequest{
				Port:  port,
				Frame: frame,
			})
			if err != nil {
				return fmt.Errorf("packet in: %w", err)
			}

			out, err := formatDecision(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format decision: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&port, "port", "", "ingress port (device/number, required)")
	flags.StringVar(&frameHex, "hex", "", "frame bytes as hex; ':' and whitespace are ignored")

	return cmd
}

// decodeFrameHex accepts "ffffffffffff..." as well as "ff:ff:..." dumps.
func decodeFrameHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)

	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return b, nil
}
