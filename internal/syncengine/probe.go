package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell-sync/vaultsync/internal/protocol"
	"github.com/inkwell-sync/vaultsync/internal/swim"
	"github.com/inkwell-sync/vaultsync/internal/transport"
)

// Probe and IndirectProbe make *Engine satisfy swim.Prober: the SWIM probe
// cycle piggybacks on a peer's existing sync session when one is open, and
// falls back to a one-off dial for peers this engine hasn't synced with yet
// (spec.md §4.5).
var _ swim.Prober = (*Engine)(nil)

// Probe sends a direct ping to target, preferring its live sync session.
func (e *Engine) Probe(ctx context.Context, target swim.Member, timeout time.Duration) error {
	e.connMu.Lock()
	s, ok := e.conns[target.ID]
	e.connMu.Unlock()
	if ok {
		return s.ping(ctx, timeout)
	}
	return e.rawPing(ctx, target.Address)
}

// IndirectProbe asks via's session to relay a probe to target.
func (e *Engine) IndirectProbe(ctx context.Context, via swim.Member, target swim.Member, timeout time.Duration) error {
	e.connMu.Lock()
	s, ok := e.conns[via.ID]
	e.connMu.Unlock()
	if !ok {
		return fmt.Errorf("syncengine: no open session to relay via %v", via.ID)
	}
	return s.indirectPing(ctx, target.Address, timeout)
}

// rawPing opens a short-lived connection to addr, exchanges a single
// ping/ack, and closes it. Used for peers this engine has no sync session
// with yet, or for the relay hop of an indirect probe.
func (e *Engine) rawPing(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("syncengine: empty probe address")
	}
	if len(e.transports) == 0 {
		return errors.New("syncengine: no transport configured to dial")
	}

	conn, err := e.transports[0].Connect(ctx, transport.PeerInfo{Address: addr})
	if err != nil {
		return fmt.Errorf("syncengine: dial %s: %w", addr, err)
	}
	defer conn.Close()

	frame, err := protocol.EncodePing(1)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("syncengine: send ping to %s: %w", addr, err)
	}

	// The responder sends its own handshake frame immediately on accept,
	// before it has read anything from us; skip past it to find our ack.
	for i := 0; i < 2; i++ {
		reply, err := conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("syncengine: recv ping ack from %s: %w", addr, err)
		}
		env, err := protocol.DecodeEnvelope(reply)
		if err != nil {
			return fmt.Errorf("syncengine: decode ping reply from %s: %w", addr, err)
		}
		if env.PingAck != nil {
			return nil
		}
	}
	return fmt.Errorf("syncengine: %s did not reply with a ping ack", addr)
}
