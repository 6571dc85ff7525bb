package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sekia-ai/relay/pkg/sockpath"
)

var (
	socketPath string

	// Version is set by the main package via ldflags.
	Version = "dev"
)

// NewRootCmd creates the root relayctl command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "relayctl",
		Short:   "Relay CLI: inspect and drive the relayd daemon",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			socketPath = sockpath.Resolve(socketPath)
		},
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "relayd Unix socket path (default: $RELAY_SOCKET or the runtime dir)")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAgentsCmd())
	rootCmd.AddCommand(newConnectionsCmd())
	rootCmd.AddCommand(newCoordinateCmd())
	rootCmd.AddCommand(newBroadcastCmd())
	rootCmd.AddCommand(newSecretsCmd())

	return rootCmd
}
