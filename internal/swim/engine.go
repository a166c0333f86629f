package swim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/inkwell-sync/vaultsync/internal/peerid"
	"github.com/inkwell-sync/vaultsync/internal/protocol"
)

// gossipRetransmitMultiplier scales the O(log N) retransmission count
// (spec.md §4.5 "transmission counter ... retired after O(log N) sends").
const gossipRetransmitMultiplier = 3

// Prober is the transport-level capability the engine needs: direct and
// indirect ping/ack. internal/transport supplies the real implementation;
// tests supply a fake.
type Prober interface {
	// Probe sends a direct ping to target and waits up to timeout for an
	// ack. A non-nil error (including context.DeadlineExceeded) means the
	// probe failed.
	Probe(ctx context.Context, target Member, timeout time.Duration) error
	// IndirectProbe asks via to ping target on this engine's behalf.
	IndirectProbe(ctx context.Context, via Member, target Member, timeout time.Duration) error
}

// Config holds the SWIM timing parameters of spec.md §6.
type Config struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	IndirectK        int
	SuspicionTimeout time.Duration
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    1000 * time.Millisecond,
		ProbeTimeout:     500 * time.Millisecond,
		IndirectK:        3,
		SuspicionTimeout: 5000 * time.Millisecond,
	}
}

type gossipEntry struct {
	update    protocol.GossipUpdate
	transmits int
}

// Engine drives the periodic probe cycle and gossip dissemination. Its
// Start/Stop/run lifecycle is grounded on the teacher's background worker:
// a running bool and stopCh/doneCh pair guarded by a mutex, with the probe
// cycle itself driven by a time.Ticker (internal/sync/worker.go).
type Engine struct {
	self     peerid.PeerId
	selfAddr string
	list     *List
	prober   Prober
	cfg      Config
	limiter  *rate.Limiter
	log      *logrus.Entry

	incMu       sync.Mutex
	incarnation uint64

	gossipMu sync.Mutex
	gossip   map[peerid.PeerId]*gossipEntry

	suspectMu     sync.Mutex
	suspectTimers map[peerid.PeerId]*time.Timer

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEngine creates an Engine. list should already contain any bootstrap
// seed peers (see List.Upsert).
func NewEngine(self peerid.PeerId, selfAddr string, list *List, prober Prober, cfg Config, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		self:          self,
		selfAddr:      selfAddr,
		list:          list,
		prober:        prober,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1),
		log:           log.WithField("component", "swim"),
		gossip:        make(map[peerid.PeerId]*gossipEntry),
		suspectTimers: make(map[peerid.PeerId]*time.Timer),
	}
}

// Start launches the probe loop in a background goroutine. A second Start
// while already running is a no-op.
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

// Stop halts the probe loop and waits for it to exit.
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

	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			e.probeCycle(ctx)
		}
	}
}

// probeCycle pings one random Alive peer other than self, falling back to
// k indirect probes via other Alive peers on direct failure (spec.md §4.5).
func (e *Engine) probeCycle(ctx context.Context) {
	candidates := e.list.AliveMembers()
	var targets []Member
	for _, m := range candidates {
		if m.ID != e.self {
			targets = append(targets, m)
		}
	}
	if len(targets) == 0 {
		return
	}
	target := targets[rand.Intn(len(targets))]
	e.doProbe(ctx, target, targets)
}

func (e *Engine) doProbe(ctx context.Context, target Member, pool []Member) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	err := e.prober.Probe(pctx, target, e.cfg.ProbeTimeout)
	cancel()
	if err == nil {
		e.confirmAlive(target)
		return
	}

	if e.indirectProbeSucceeds(ctx, target, pool) {
		e.confirmAlive(target)
		return
	}

	e.markSuspect(target)
}

func (e *Engine) indirectProbeSucceeds(ctx context.Context, target Member, pool []Member) bool {
	var helpers []Member
	for _, m := range pool {
		if m.ID != target.ID {
			helpers = append(helpers, m)
		}
	}
	rand.Shuffle(len(helpers), func(i, j int) { helpers[i], helpers[j] = helpers[j], helpers[i] })
	if len(helpers) > e.cfg.IndirectK {
		helpers = helpers[:e.cfg.IndirectK]
	}

	type result struct{ ok bool }
	results := make(chan result, len(helpers))
	for _, h := range helpers {
		h := h
		go func() {
			ictx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
			defer cancel()
			err := e.prober.IndirectProbe(ictx, h, target, e.cfg.ProbeTimeout)
			results <- result{ok: err == nil}
		}()
	}
	for range helpers {
		if r := <-results; r.ok {
			return true
		}
	}
	return false
}

func (e *Engine) confirmAlive(m Member) {
	if e.list.ObserveAlive(m.ID, m.Address, m.Incarnation) {
		e.enqueueGossip(protocol.GossipUpdate{Subject: m.ID, Address: m.Address, State: Alive.String(), Incarnation: m.Incarnation})
	}
	e.cancelSuspectTimer(m.ID)
}

func (e *Engine) markSuspect(m Member) {
	if !e.list.ObserveSuspect(m.ID, m.Incarnation) {
		return
	}
	e.enqueueGossip(protocol.GossipUpdate{Subject: m.ID, Address: m.Address, State: Suspect.String(), Incarnation: m.Incarnation})
	e.startSuspectTimer(m)
}

func (e *Engine) startSuspectTimer(m Member) {
	e.suspectMu.Lock()
	defer e.suspectMu.Unlock()
	if t, ok := e.suspectTimers[m.ID]; ok {
		t.Stop()
	}
	e.suspectTimers[m.ID] = time.AfterFunc(e.cfg.SuspicionTimeout, func() {
		e.expireSuspicion(m.ID)
	})
}

func (e *Engine) cancelSuspectTimer(id peerid.PeerId) {
	e.suspectMu.Lock()
	defer e.suspectMu.Unlock()
	if t, ok := e.suspectTimers[id]; ok {
		t.Stop()
		delete(e.suspectTimers, id)
	}
}

func (e *Engine) expireSuspicion(id peerid.PeerId) {
	e.suspectMu.Lock()
	delete(e.suspectTimers, id)
	e.suspectMu.Unlock()

	m, ok := e.list.Get(id)
	if !ok || m.State != Suspect {
		return
	}
	if e.list.ObserveDead(id) {
		e.enqueueGossip(protocol.GossipUpdate{Subject: id, Address: m.Address, State: Dead.String(), Incarnation: m.Incarnation})
	}
}

// Refute bumps this engine's own incarnation and broadcasts Alive, the
// required response to hearing itself gossiped as Suspect or Dead
// (spec.md §4.5 invariant I7: a newer-incarnation self-Alive observation
// always resurrects, overriding any Suspect/Dead state for that peer).
func (e *Engine) Refute() {
	e.incMu.Lock()
	if m, ok := e.list.Get(e.self); ok && m.Incarnation > e.incarnation {
		e.incarnation = m.Incarnation
	}
	e.incarnation++
	inc := e.incarnation
	e.incMu.Unlock()

	e.list.ObserveAlive(e.self, e.selfAddr, inc)
	e.enqueueGossip(protocol.GossipUpdate{Subject: e.self, Address: e.selfAddr, State: Alive.String(), Incarnation: inc})
}

func (e *Engine) enqueueGossip(u protocol.GossipUpdate) {
	e.gossipMu.Lock()
	defer e.gossipMu.Unlock()
	e.gossip[u.Subject] = &gossipEntry{update: u}
}

// retransmitLimit returns the number of times an update may be piggybacked
// before it's retired, scaled to the current membership size.
func (e *Engine) retransmitLimit() int {
	n := len(e.list.All())
	if n < 1 {
		n = 1
	}
	return gossipRetransmitMultiplier * int(math.Ceil(math.Log2(float64(n+1))))
}

// PendingGossip returns up to max updates to piggyback on the next outgoing
// message, incrementing each one's transmit count and retiring any that has
// reached its O(log N) limit.
func (e *Engine) PendingGossip(max int) []protocol.GossipUpdate {
	e.gossipMu.Lock()
	defer e.gossipMu.Unlock()

	limit := e.retransmitLimit()
	var out []protocol.GossipUpdate
	for id, entry := range e.gossip {
		if len(out) >= max {
			break
		}
		out = append(out, entry.update)
		entry.transmits++
		if entry.transmits >= limit {
			delete(e.gossip, id)
		}
	}
	return out
}

// MergeGossip applies received updates to the membership list, refuting
// locally if any of them name this engine's own peer as Suspect/Dead, and
// re-enqueues anything that actually changed local state for further
// propagation (spec.md §4.5 gossip dissemination).
func (e *Engine) MergeGossip(updates []protocol.GossipUpdate) {
	for _, u := range updates {
		if u.Subject == e.self && (u.State == Suspect.String() || u.State == Dead.String()) {
			e.Refute()
			continue
		}

		var changed bool
		switch u.State {
		case Alive.String():
			changed = e.list.ObserveAlive(u.Subject, u.Address, u.Incarnation)
		case Suspect.String():
			changed = e.list.ObserveSuspect(u.Subject, u.Incarnation)
			if changed {
				if m, ok := e.list.Get(u.Subject); ok {
					e.startSuspectTimer(m)
				}
			}
		case Dead.String():
			changed = e.list.ObserveDead(u.Subject)
		}
		if changed {
			e.enqueueGossip(u)
		}
	}
}

// List returns the engine's membership table.
func (e *Engine) List() *List {
	return e.list
}
