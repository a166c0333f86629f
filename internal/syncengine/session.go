package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inkwell-sync/vaultsync/internal/crdt"
	"github.com/inkwell-sync/vaultsync/internal/eventbus"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
	"github.com/inkwell-sync/vaultsync/internal/protocol"
	"github.com/inkwell-sync/vaultsync/internal/registry"
	"github.com/inkwell-sync/vaultsync/internal/transport"
	"github.com/inkwell-sync/vaultsync/internal/vault"
)

// session is one pairwise sync session (spec.md §4.7): handshake, then
// SyncRequest/SyncExchange, then a live push for every local commit, for as
// long as the underlying connection stays open.
type session struct {
	peer          peerid.PeerId
	conn          *transport.PeerConnection
	engine        *Engine
	establishedAt time.Time

	outgoing chan []byte
	stopCh   chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	hasRequested bool
	sentVersions map[registry.NoteID]crdt.VersionVector

	pingMu      sync.Mutex
	nextPingID  uint64
	pendingPing map[uint64]chan bool
}

func (e *Engine) runSession(ctx context.Context, conn *transport.PeerConnection, role protocol.Role) {
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, e.cfg.IdleTimeout)
	remotePeer, remoteAddr, err := e.exchangeHandshake(hctx, conn, role)
	cancel()
	if err == errRawPingHandled {
		return
	}
	if err != nil {
		e.log.WithError(err).Warn("handshake failed")
		return
	}

	s := &session{
		peer:          remotePeer,
		conn:          conn,
		engine:        e,
		establishedAt: time.Now(),
		outgoing:      make(chan []byte, e.cfg.OutgoingSize),
		stopCh:        make(chan struct{}),
		sentVersions:  make(map[registry.NoteID]crdt.VersionVector),
		pendingPing:   make(map[uint64]chan bool),
	}

	if !e.registerSession(s) {
		e.log.WithField("peer", remotePeer).Info("duplicate connection collapsed to the earliest-established")
		return
	}
	defer e.unregisterSession(s)

	if e.swarm != nil {
		e.swarm.List().ObserveAlive(remotePeer, remoteAddr, 0)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()

	if e.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pushLoop(ctx)
		}()
	}

	if err := s.sendSyncRequest(ctx); err != nil {
		e.log.WithError(err).WithField("peer", remotePeer).Warn("failed to send initial sync request")
	}

	result := SyncResult{Peer: remotePeer}
	s.readLoop(ctx, &result)
	e.publishResult(result)

	s.stop()
	wg.Wait()
}

// errRawPingHandled signals that the peer on the other end of the
// connection was not starting a sync session at all, but a one-off probe
// (syncengine.Engine.rawPing): the ack has already been sent and the
// connection is done.
var errRawPingHandled = errors.New("syncengine: connection was a raw ping, not a session")

func (e *Engine) exchangeHandshake(ctx context.Context, conn *transport.PeerConnection, role protocol.Role) (peerid.PeerId, string, error) {
	out, err := protocol.EncodeHandshake(protocol.Handshake{
		Version: protocol.ProtocolVersion,
		PeerID:  e.cfg.Self,
		Role:    role,
		Address: e.cfg.SelfAddress,
	})
	if err != nil {
		return 0, "", fmt.Errorf("encode handshake: %w", err)
	}
	if err := conn.Send(ctx, out); err != nil {
		return 0, "", fmt.Errorf("send handshake: %w", err)
	}

	frame, err := conn.Recv(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("recv handshake: %w", err)
	}
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		return 0, "", fmt.Errorf("decode handshake: %w", err)
	}
	if env.Ping != nil {
		if ack, err := protocol.EncodePingAck(env.Ping.ID); err == nil {
			conn.Send(ctx, ack)
		}
		return 0, "", errRawPingHandled
	}
	if env.Handshake == nil {
		return 0, "", errors.New("first message was not a handshake")
	}
	if !protocol.IsCompatible(env.Handshake.Version) {
		e.log.WithField("peer", env.Handshake.PeerID).Warn("peer advertised an incompatible protocol version")
	}
	return env.Handshake.PeerID, env.Handshake.Address, nil
}

// registerSession adds s to the connection map, collapsing to the
// earliest-established connection on a duplicate peer id (spec.md §4.6).
func (e *Engine) registerSession(s *session) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if existing, ok := e.conns[s.peer]; ok {
		if existing.establishedAt.Before(s.establishedAt) {
			return false
		}
		existing.close()
	}
	e.conns[s.peer] = s
	return true
}

func (e *Engine) unregisterSession(s *session) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if cur, ok := e.conns[s.peer]; ok && cur == s {
		delete(e.conns, s.peer)
	}
}

func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *session) close() {
	s.stop()
	s.conn.Close()
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case frame := <-s.outgoing:
			if err := s.conn.Send(ctx, frame); err != nil {
				s.engine.log.WithError(err).WithField("peer", s.peer).Debug("send failed, dropping connection")
				s.stop()
				return
			}
		}
	}
}

func (s *session) enqueue(frame []byte) {
	select {
	case s.outgoing <- frame:
	default:
		// Backpressure: the outgoing queue is bounded (spec.md §5
		// default 256); a peer that cannot keep up is failure-detected
		// and resynced on reconnect rather than blocking this session.
		s.engine.log.WithField("peer", s.peer).Warn("outgoing queue full, dropping connection")
		s.stop()
	}
}

func (s *session) currentGossip() []protocol.GossipUpdate {
	if s.engine.swarm == nil {
		return nil
	}
	return s.engine.swarm.PendingGossip(16)
}

func (s *session) sendSyncRequest(ctx context.Context) error {
	state := s.engine.vault.ExportState()
	req := protocol.SyncRequest{
		RegistryVV: state.RegistryVersion,
		PerNoteVV:  toStringVersions(state.NoteVersions),
	}
	msg, err := protocol.EncodeSyncMessage(req)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeSync(msg, s.currentGossip())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.hasRequested = true
	s.mu.Unlock()
	s.enqueue(frame)
	return nil
}

func (s *session) readLoop(ctx context.Context, result *SyncResult) {
	for {
		rctx, cancel := context.WithTimeout(ctx, s.engine.cfg.IdleTimeout)
		frame, err := s.conn.Recv(rctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				s.engine.log.WithError(err).WithField("peer", s.peer).Debug("connection closed")
			}
			return
		}
		if err := s.handleFrame(ctx, frame, result); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
}

func (s *session) handleFrame(ctx context.Context, frame []byte, result *SyncResult) error {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		return fmt.Errorf("syncengine: decode envelope from %v: %w", s.peer, err)
	}

	switch {
	case env.Gossip != nil:
		if s.engine.swarm != nil {
			s.engine.swarm.MergeGossip(s.engine.dedupGossip(env.Gossip.Updates))
		}
		return nil
	case env.Sync != nil:
		if s.engine.swarm != nil {
			s.engine.swarm.MergeGossip(s.engine.dedupGossip(env.Sync.Gossip))
		}
		return s.handleSyncPayload(ctx, env.Sync.Data, result)
	case env.Ping != nil:
		return s.replyPingAck(env.Ping.ID)
	case env.PingAck != nil:
		s.resolvePing(env.PingAck.ID, true)
		return nil
	case env.IndirectPing != nil:
		go s.serveIndirectPing(ctx, *env.IndirectPing)
		return nil
	case env.IndirectPingAck != nil:
		s.resolvePing(env.IndirectPingAck.ID, env.IndirectPingAck.OK)
		return nil
	default:
		return fmt.Errorf("syncengine: handshake received mid-session from %v", s.peer)
	}
}

// ping sends a direct probe over this already-established session and
// blocks for its ack, piggybacking the probe on sync traffic rather than
// opening a dedicated connection (spec.md §4.5).
func (s *session) ping(ctx context.Context, timeout time.Duration) error {
	id, ch := s.registerPing()
	defer s.abandonPing(id)

	frame, err := protocol.EncodePing(id)
	if err != nil {
		return err
	}
	s.enqueue(frame)

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case ok := <-ch:
		if !ok {
			return errors.New("syncengine: ping channel closed")
		}
		return nil
	case <-pctx.Done():
		return pctx.Err()
	}
}

// indirectPing asks this session's peer to probe targetAddress and waits
// for it to relay back a result.
func (s *session) indirectPing(ctx context.Context, targetAddress string, timeout time.Duration) error {
	id, ch := s.registerPing()
	defer s.abandonPing(id)

	frame, err := protocol.EncodeIndirectPing(id, targetAddress)
	if err != nil {
		return err
	}
	s.enqueue(frame)

	pctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	select {
	case ok := <-ch:
		if !ok {
			return errors.New("syncengine: indirect probe reported failure")
		}
		return nil
	case <-pctx.Done():
		return pctx.Err()
	}
}

func (s *session) registerPing() (uint64, chan bool) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	s.nextPingID++
	id := s.nextPingID
	ch := make(chan bool, 1)
	s.pendingPing[id] = ch
	return id, ch
}

func (s *session) abandonPing(id uint64) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	delete(s.pendingPing, id)
}

func (s *session) resolvePing(id uint64, ok bool) {
	s.pingMu.Lock()
	ch, found := s.pendingPing[id]
	s.pingMu.Unlock()
	if !found {
		return
	}
	select {
	case ch <- ok:
	default:
	}
}

func (s *session) replyPingAck(id uint64) error {
	frame, err := protocol.EncodePingAck(id)
	if err != nil {
		return err
	}
	s.enqueue(frame)
	return nil
}

// serveIndirectPing relays a probe to req.TargetAddress on the requester's
// behalf and reports the outcome back over this session.
func (s *session) serveIndirectPing(ctx context.Context, req protocol.IndirectPing) {
	pctx, cancel := context.WithTimeout(ctx, s.engine.cfg.IdleTimeout)
	defer cancel()
	ok := s.engine.rawPing(pctx, req.TargetAddress) == nil

	frame, err := protocol.EncodeIndirectPingAck(req.ID, ok)
	if err != nil {
		return
	}
	s.enqueue(frame)
}

func (s *session) handleSyncPayload(ctx context.Context, data []byte, result *SyncResult) error {
	msg, err := protocol.DecodeSyncMessage(data)
	if err != nil {
		return fmt.Errorf("syncengine: decode sync message from %v: %w", s.peer, err)
	}

	switch m := msg.(type) {
	case protocol.SyncRequest:
		return s.respondToRequest(ctx, m)
	case protocol.SyncExchange:
		s.applyResponse(ctx, m.Response, result)
		if m.Request != nil {
			return s.respondToRequest(ctx, *m.Request)
		}
		return nil
	case protocol.SyncResponse:
		s.applyResponse(ctx, m, result)
		return nil
	case protocol.DocumentUpdate:
		if err := s.engine.vault.ApplyRemote(ctx, registry.NoteID(m.NoteID), m.Delta); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("apply document update %s: %w", m.NoteID, err))
		}
		return nil
	case protocol.FileDeleted:
		// Tombstone propagation rides on the registry delta; a bare
		// FileDeleted carries no information this session doesn't
		// already get from the next registry sync.
		return nil
	default:
		return fmt.Errorf("syncengine: unrecognized sync message from %v", s.peer)
	}
}

// respondToRequest computes a SyncResponse from req's vectors and, per
// spec.md §4.7 point 2, bundles its own SyncRequest only if this session
// hasn't already sent one.
func (s *session) respondToRequest(ctx context.Context, req protocol.SyncRequest) error {
	from := vault.State{
		RegistryVersion: req.RegistryVV,
		NoteVersions:    fromStringVersions(req.PerNoteVV),
	}
	diff, err := s.engine.vault.ExportDiff(from)
	if err != nil {
		return fmt.Errorf("syncengine: export diff for %v: %w", s.peer, err)
	}

	resp := protocol.SyncResponse{
		HasRegistryDelta: len(diff.RegistryDelta) > 0,
		RegistryDelta:    diff.RegistryDelta,
		PerNoteDelta:     toStringDeltas(diff.NoteDeltas),
	}

	s.mu.Lock()
	alreadyRequested := s.hasRequested
	s.hasRequested = true
	s.mu.Unlock()

	var out any = resp
	if !alreadyRequested {
		state := s.engine.vault.ExportState()
		out = protocol.SyncExchange{
			Response: resp,
			Request: &protocol.SyncRequest{
				RegistryVV: state.RegistryVersion,
				PerNoteVV:  toStringVersions(state.NoteVersions),
			},
		}
	}

	msg, err := protocol.EncodeSyncMessage(out)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeSync(msg, s.currentGossip())
	if err != nil {
		return err
	}
	s.enqueue(frame)
	return nil
}

// applyResponse applies a registry delta first (so moves/tombstones are
// reflected before documents are merged), then every per-note delta in any
// order (spec.md §4.7 point 3).
func (s *session) applyResponse(ctx context.Context, resp protocol.SyncResponse, result *SyncResult) {
	if resp.HasRegistryDelta {
		if err := s.engine.vault.ApplyRegistryDelta(ctx, resp.RegistryDelta); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("apply registry delta from %v: %w", s.peer, err))
		}
	}
	for noteID, delta := range resp.PerNoteDelta {
		if err := s.engine.vault.ApplyRemote(ctx, registry.NoteID(noteID), delta); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("apply note %s from %v: %w", noteID, s.peer, err))
			continue
		}
	}
}

// pushLoop subscribes to the event bus and pushes a DocumentUpdate for
// every local commit on this note since the last one sent to this peer
// (spec.md §4.7 point 4).
func (s *session) pushLoop(ctx context.Context) {
	sub := s.engine.bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind != eventbus.DocumentUpdated {
				continue
			}
			s.pushNote(registry.NoteID(ev.NoteID))
		}
	}
}

func (s *session) pushNote(id registry.NoteID) {
	s.mu.Lock()
	since := s.sentVersions[id]
	s.mu.Unlock()

	delta, err := s.engine.vault.ExportNoteDelta(id, since)
	if err != nil {
		return
	}
	if len(delta) == 0 {
		return
	}

	update := protocol.DocumentUpdate{NoteID: string(id), Delta: delta}
	msg, err := protocol.EncodeSyncMessage(update)
	if err != nil {
		return
	}
	frame, err := protocol.EncodeSync(msg, s.currentGossip())
	if err != nil {
		return
	}
	s.enqueue(frame)

	state := s.engine.vault.ExportState()
	s.mu.Lock()
	s.sentVersions[id] = state.NoteVersions[id]
	s.mu.Unlock()
}

func toStringVersions(m map[registry.NoteID]crdt.VersionVector) map[string]crdt.VersionVector {
	out := make(map[string]crdt.VersionVector, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func fromStringVersions(m map[string]crdt.VersionVector) map[registry.NoteID]crdt.VersionVector {
	out := make(map[registry.NoteID]crdt.VersionVector, len(m))
	for k, v := range m {
		out[registry.NoteID(k)] = v
	}
	return out
}

func toStringDeltas(m map[registry.NoteID][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
