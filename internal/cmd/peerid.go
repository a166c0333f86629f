package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkwell-sync/vaultsync/internal/store"
)

var peerIDCmd = &cobra.Command{
	Use:   "peer-id",
	Short: "Print this vault's peer id, generating one if none exists yet",
	RunE:  runPeerID,
}

func init() {
	rootCmd.AddCommand(peerIDCmd)
}

func runPeerID(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("peer-id: %w", err)
	}

	st, err := store.Open(store.Path(cfg.VaultPath))
	if err != nil {
		return fmt.Errorf("peer-id: open store: %w", err)
	}
	defer st.Close()

	self, err := loadOrCreatePeerID(context.Background(), st)
	if err != nil {
		return fmt.Errorf("peer-id: %w", err)
	}
	fmt.Println(self.String())
	return nil
}
