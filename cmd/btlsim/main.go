// Command btlsim exercises the btl transport over an in-process simulated
// fabric.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "btlsim",
		Short: "Run short-message workloads over a simulated RDMA fabric",
		Long: `btlsim starts a set of ranks on a simulated fabric, connects every pair
through the datagram handshake and exchanges short messages under mailbox
credit flow control.

Settings come from a config file, BTL_* environment variables and flags:
  btlsim run --ranks 4 --messages 1000
  BTL_MODULE_MAILBOX_CREDITS=4 btlsim run --metrics-addr :9100`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "btlsim %s\n  Commit: %s\n", Version, Commit)
		},
	}
}
