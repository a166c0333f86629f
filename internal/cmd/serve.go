package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inkwell-sync/vaultsync/internal/config"
	"github.com/inkwell-sync/vaultsync/internal/eventbus"
	"github.com/inkwell-sync/vaultsync/internal/fsys"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
	"github.com/inkwell-sync/vaultsync/internal/registry"
	"github.com/inkwell-sync/vaultsync/internal/store"
	"github.com/inkwell-sync/vaultsync/internal/swim"
	"github.com/inkwell-sync/vaultsync/internal/syncengine"
	"github.com/inkwell-sync/vaultsync/internal/transport"
	"github.com/inkwell-sync/vaultsync/internal/transport/ws"
	"github.com/inkwell-sync/vaultsync/internal/vault"
	"github.com/inkwell-sync/vaultsync/internal/watcher"
)

// shutdownGrace is spec.md §9's default graceful-shutdown deadline.
const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve [peer-address...]",
	Short: "Watch the configured vault and sync it with peers",
	Long:  `serve loads the vault, starts the filesystem watcher, and joins the SWIM/gossip mesh, dialing any peer addresses given on the command line.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, seedPeers []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	log := logrus.StandardLogger()
	if level, lerr := logrus.ParseLevel(cfg.Log.Level); lerr == nil {
		log.SetLevel(level)
	}
	if debug, _ := cmd.Root().PersistentFlags().GetBool("debug"); debug {
		log.SetLevel(logrus.DebugLevel)
	}

	st, err := store.Open(store.Path(cfg.VaultPath))
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	self, err := loadOrCreatePeerID(ctx, st)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.WithField("peer", self.String()).Info("starting vaultsyncd")

	fs := fsys.NewOSFileSystem(cfg.VaultPath)
	v := vault.New(self, fs, cfg.Watcher.Debounce())
	if err := v.LoadFromDisk(ctx); err != nil {
		return fmt.Errorf("serve: load vault from disk: %w", err)
	}
	restoreFromStore(ctx, st, v, log)

	bus := eventbus.New(256)
	v.SetEventBus(bus)

	w, err := watcher.New(cfg.VaultPath, cfg.Watcher.Debounce(), v, log)
	if err != nil {
		return fmt.Errorf("serve: start watcher: %w", err)
	}
	v.SetSelfWriteNotifier(w.NoteSelfWrite)

	wsTransport, err := ws.New(cfg.BindAddr, "/vaultsync", log, ws.WithMaxMessageBytes(cfg.Transport.MaxMessageBytes))
	if err != nil {
		return fmt.Errorf("serve: start transport: %w", err)
	}

	syncCfg := syncengine.DefaultConfig(self, cfg.PublicURL)
	syncCfg.OutgoingSize = cfg.Session.OutgoingQueue
	syncCfg.GossipCacheTTL = cfg.Cache.TTL
	syncCfg.GossipCacheMaxEntries = cfg.Cache.MaxEntries
	syncEng := syncengine.New(syncCfg, v, nil, bus, log)
	syncEng.AddTransport(wsTransport)

	members := swim.NewList()
	swimEng := swim.NewEngine(self, cfg.PublicURL, members, syncEng, swim.Config{
		ProbeInterval:    cfg.Swim.ProbeInterval(),
		ProbeTimeout:     cfg.Swim.ProbeTimeout(),
		IndirectK:        cfg.Swim.IndirectK,
		SuspicionTimeout: cfg.Swim.SuspicionTimeout(),
	}, log)
	syncEng.SetSwarm(swimEng)

	syncEng.Start(ctx)
	go w.Run(ctx)

	for _, addr := range seedPeers {
		if err := syncEng.Dial(ctx, wsTransport, transport.PeerInfo{Address: addr}); err != nil {
			log.WithError(err).WithField("peer", addr).Warn("failed to dial seed peer")
		}
	}

	go logSyncResults(ctx, syncEng, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	persistToStore(shutdownCtx, st, v, log)

	cancel()
	syncEng.Stop()
	w.Close()
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func loadOrCreatePeerID(ctx context.Context, st *store.Store) (peerid.PeerId, error) {
	if saved, ok, err := st.LoadPeerID(ctx); err != nil {
		return 0, fmt.Errorf("load peer id: %w", err)
	} else if ok {
		return peerid.Parse(saved)
	}

	id, err := peerid.Generate()
	if err != nil {
		return 0, fmt.Errorf("generate peer id: %w", err)
	}
	if err := st.SavePeerID(ctx, id.String()); err != nil {
		return 0, fmt.Errorf("save peer id: %w", err)
	}
	return id, nil
}

// restoreFromStore replays a prior session's persisted registry and note
// snapshots into a freshly loaded vault, recovering CRDT op history (not
// just latest content) that LoadFromDisk alone can't reconstruct from
// plain markdown files.
func restoreFromStore(ctx context.Context, st *store.Store, v *vault.Vault, log *logrus.Logger) {
	if delta, ok, err := st.LoadRegistrySnapshot(ctx); err == nil && ok {
		if err := v.ApplyRegistryDelta(ctx, delta); err != nil {
			log.WithError(err).Warn("failed to restore registry snapshot")
		}
	}
	ids, err := st.NoteIDs(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to list persisted note snapshots")
		return
	}
	for _, id := range ids {
		delta, ok, err := st.LoadNoteSnapshot(ctx, id)
		if err != nil || !ok {
			continue
		}
		if err := v.ApplyRemote(ctx, registry.NoteID(id), delta); err != nil {
			log.WithError(err).WithField("note", id).Warn("failed to restore note snapshot")
		}
	}
}

// persistToStore snapshots the vault's full state so the next startup can
// call restoreFromStore instead of resyncing everything from peers.
func persistToStore(ctx context.Context, st *store.Store, v *vault.Vault, log *logrus.Logger) {
	diff, err := v.ExportDiff(vault.State{})
	if err != nil {
		log.WithError(err).Warn("failed to export vault state for persistence")
		return
	}
	if len(diff.RegistryDelta) > 0 {
		if err := st.SaveRegistrySnapshot(ctx, diff.RegistryDelta); err != nil {
			log.WithError(err).Warn("failed to persist registry snapshot")
		}
	}
	for id, delta := range diff.NoteDeltas {
		if err := st.SaveNoteSnapshot(ctx, string(id), delta, time.Now().Unix()); err != nil {
			log.WithError(err).WithField("note", id).Warn("failed to persist note snapshot")
		}
	}
}

func logSyncResults(ctx context.Context, e *syncengine.Engine, log *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-e.Results():
			if !ok {
				return
			}
			entry := log.WithField("peer", r.Peer)
			if len(r.Errors) == 0 {
				entry.Debug("sync session exchange completed")
				continue
			}
			for _, err := range r.Errors {
				entry.WithError(err).Warn("sync session reported an error")
			}
		}
	}
}
