// Package syncengine orchestrates transports, peer sessions, and the SWIM
// engine into the pairwise sync protocol of spec.md §4.7. Its lifecycle
// supervises long-lived goroutines with golang.org/x/sync/errgroup, the
// way spec.md §9 requires every long-lived task to honor a shutdown
// signal.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-sync/vaultsync/internal/cache"
	"github.com/inkwell-sync/vaultsync/internal/crdt"
	"github.com/inkwell-sync/vaultsync/internal/eventbus"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
	"github.com/inkwell-sync/vaultsync/internal/protocol"
	"github.com/inkwell-sync/vaultsync/internal/registry"
	"github.com/inkwell-sync/vaultsync/internal/swim"
	"github.com/inkwell-sync/vaultsync/internal/transport"
	"github.com/inkwell-sync/vaultsync/internal/vault"
)

// VaultReconciler is the subset of *vault.Vault the engine drives.
type VaultReconciler interface {
	ExportState() vault.State
	ExportDiff(from vault.State) (vault.Diff, error)
	ExportNoteDelta(id registry.NoteID, since crdt.VersionVector) ([]byte, error)
	ApplyRemote(ctx context.Context, noteID registry.NoteID, delta []byte) error
	ApplyRegistryDelta(ctx context.Context, delta []byte) error
	Registry() *registry.Registry
}

// Config holds the engine's timing and sizing knobs (spec.md §6/§5).
type Config struct {
	Self         peerid.PeerId
	SelfAddress  string
	IdleTimeout  time.Duration
	OutgoingSize int

	// GossipCacheTTL/GossipCacheMaxEntries size the dedup cache that
	// drops gossip updates this engine has already merged very recently,
	// cutting down on redundant membership-state churn in a dense mesh
	// where every peer repeats the same update for several hops
	// (config.CacheConfig, grounded on the teacher's API response cache,
	// internal/cache).
	GossipCacheTTL        time.Duration
	GossipCacheMaxEntries int
}

// DefaultConfig returns spec.md's documented defaults for the fields the
// engine itself owns (bind_addr/vault_path/peer_role are resolved by the
// caller before constructing Config).
func DefaultConfig(self peerid.PeerId, addr string) Config {
	return Config{
		Self:                  self,
		SelfAddress:           addr,
		IdleTimeout:           60 * time.Second,
		OutgoingSize:          256,
		GossipCacheTTL:        60 * time.Second,
		GossipCacheMaxEntries: 10000,
	}
}

// SyncResult reports the outcome of one session's sync exchange; partial
// failures never abort the session (spec.md §4.7).
type SyncResult struct {
	Peer   peerid.PeerId
	Errors []error
}

// Engine wires one or more transports, a SWIM engine, and the vault
// together. Its Start/Stop lifecycle mirrors swim.Engine's, which is
// itself grounded on the teacher's background worker.
type Engine struct {
	cfg   Config
	vault VaultReconciler
	swarm *swim.Engine
	bus   *eventbus.Bus
	log   *logrus.Entry

	transports []transport.SyncTransport

	connMu sync.Mutex // ConnectionMap: exclusive-writer, multi-reader (spec.md §5)
	conns  map[peerid.PeerId]*session

	gossipSeen *cache.Cache[struct{}]

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	results   chan SyncResult
	resultsMu sync.Mutex
}

// New creates an Engine. Call AddTransport for each transport it should
// accept on / dial through, then Start.
func New(cfg Config, v VaultReconciler, swarm *swim.Engine, bus *eventbus.Bus, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ttl := cfg.GossipCacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Engine{
		cfg:        cfg,
		vault:      v,
		swarm:      swarm,
		bus:        bus,
		log:        log.WithField("component", "syncengine"),
		conns:      make(map[peerid.PeerId]*session),
		results:    make(chan SyncResult, 64),
		gossipSeen: cache.New[struct{}](ttl, cfg.GossipCacheMaxEntries),
	}
}

// AddTransport registers t to be accepted on and dialed through.
func (e *Engine) AddTransport(t transport.SyncTransport) {
	e.transports = append(e.transports, t)
}

// SetSwarm attaches the SWIM engine after construction, breaking the
// construction cycle: swim.NewEngine needs a swim.Prober, and *Engine only
// satisfies that interface (see probe.go) once it exists, so the swarm
// itself can't be passed to New until after swim.NewEngine returns.
func (e *Engine) SetSwarm(s *swim.Engine) {
	e.swarm = s
}

// Results returns the channel SyncResults are published to after every
// session's initial exchange.
func (e *Engine) Results() <-chan SyncResult {
	return e.results
}

// Start launches one accept loop per transport under an errgroup and
// starts the SWIM engine, if one is attached. It does not dial peers;
// outbound sessions start through Dial. A second Start while running is a
// no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx)
}

// Stop signals every supervised goroutine to exit and waits for them to
// drain, honoring spec.md §5's graceful-shutdown deadline at the caller's
// discretion (Stop itself blocks until run's errgroup returns).
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()
	close(stopCh)
	<-doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(e.doneCh)
	}()

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(gctx)

	if e.swarm != nil {
		e.swarm.Start(gctx)
		defer e.swarm.Stop()
	}

	for _, t := range e.transports {
		t := t
		g.Go(func() error {
			return e.acceptLoop(gctx, t)
		})
	}

	go func() {
		<-e.stopCh
		cancel()
	}()

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		e.log.WithError(err).Error("syncengine: supervised task exited with error")
	}

	e.connMu.Lock()
	for id, s := range e.conns {
		s.close()
		delete(e.conns, id)
	}
	e.connMu.Unlock()
}

func (e *Engine) acceptLoop(ctx context.Context, t transport.SyncTransport) error {
	for {
		conn, err := t.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.WithError(err).Warn("accept failed")
			continue
		}
		go e.runSession(ctx, conn, protocol.RoleServer)
	}
}

// Dial connects to a peer and runs a session over the connection.
func (e *Engine) Dial(ctx context.Context, t transport.SyncTransport, peer transport.PeerInfo) error {
	conn, err := t.Connect(ctx, peer)
	if err != nil {
		return fmt.Errorf("syncengine: dial %s: %w", peer.Address, err)
	}
	go e.runSession(ctx, conn, protocol.RoleClient)
	return nil
}

// dedupGossip drops updates this engine has already merged within the
// cache's TTL, so a gossip update repeated by several peers in the same
// window is only processed once.
func (e *Engine) dedupGossip(updates []protocol.GossipUpdate) []protocol.GossipUpdate {
	fresh := updates[:0:0]
	for _, u := range updates {
		key := fmt.Sprintf("%d:%s:%d", u.Subject, u.State, u.Incarnation)
		if _, seen := e.gossipSeen.Get(key); seen {
			continue
		}
		e.gossipSeen.Set(key, struct{}{})
		fresh = append(fresh, u)
	}
	return fresh
}

func (e *Engine) publishResult(r SyncResult) {
	select {
	case e.results <- r:
	default:
	}
}
