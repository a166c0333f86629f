package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkwell-sync/vaultsync/internal/fsys"
	"github.com/inkwell-sync/vaultsync/internal/store"
	"github.com/inkwell-sync/vaultsync/internal/vault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the vault's locally known notes without starting a daemon",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	st, err := store.Open(store.Path(cfg.VaultPath))
	if err != nil {
		return fmt.Errorf("status: open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	self, err := loadOrCreatePeerID(ctx, st)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	fs := fsys.NewOSFileSystem(cfg.VaultPath)
	v := vault.New(self, fs, cfg.Watcher.Debounce())
	if err := v.LoadFromDisk(ctx); err != nil {
		return fmt.Errorf("status: load vault from disk: %w", err)
	}

	fmt.Printf("peer:   %s\n", self)
	fmt.Printf("vault:  %s\n", cfg.VaultPath)
	fmt.Printf("role:   %s\n", cfg.PeerRole)
	fmt.Println("notes:")
	count := 0
	for id, entry := range v.Registry().LiveEntries() {
		fmt.Printf("  %-20s %s (%s)\n", id, entry.Path, entry.ContentHash)
		count++
	}
	fmt.Printf("total: %d\n", count)
	return nil
}
