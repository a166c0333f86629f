// Command vaultsyncd watches a vault of markdown notes and syncs it with
// other peers over a gossip-driven CRDT protocol.
package main

import (
	"fmt"
	"os"

	"github.com/inkwell-sync/vaultsync/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
