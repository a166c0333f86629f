// Package cmd implements the vaultsyncd CLI, grounded on the teacher's
// cobra root/mount/version commands (internal/cmd/root.go,
// internal/cmd/mount.go, internal/cmd/version.go).
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vaultsyncd",
	Short: "Sync a directory of markdown notes across peers",
	Long:  `vaultsyncd watches a vault of markdown notes and keeps it converged with other peers over a gossip-driven CRDT sync protocol.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: ~/.config/vaultsync/config.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")
}
