package commands

import (
	"fmt"
	"os"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive overlayctl shell",
		Long: "Launches a REPL with completion and history that accepts overlayctl " +
			"subcommands. Type 'exit' or press Ctrl+D to leave.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("overlayctl")

			menu := app.ActiveMenu()
			menu.Prompt().Primary = func() string {
				return "overlayctl(" + serverAddr + ")> "
			}
			menu.SetCommands(shellCommands)

			fmt.Println("overlayd interactive shell. Type 'help' for available commands, 'exit' to quit.")
			fmt.Println()

			if err := app.Start(); err != nil {
				return fmt.Errorf("run shell: %w", err)
			}

			return nil
		},
	}
}

// shellCommands builds the command tree for one shell line.
func shellCommands() *cobra.Command {
	root := newRootCmd()
	root.AddCommand(&cobra.Command{
		Use:   "exit",
		Short: "Leave the interactive shell",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			os.Exit(0)
		},
	})

	return root
}
