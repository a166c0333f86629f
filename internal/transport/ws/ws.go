// Package ws is the WebSocket reference implementation of
// internal/transport.SyncTransport (spec.md §4.6): an http.Server with an
// Upgrader for the server role, and a websocket.Dialer for the client role.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/inkwell-sync/vaultsync/internal/transport"
)

// MaxMessageBytes is the default transport.max_message_bytes (spec.md §6).
const MaxMessageBytes = 4 * 1024 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transport listens for inbound connections (server role) and/or dials
// outbound ones (client role); a single process may do both.
type Transport struct {
	maxMessageBytes int64
	log             *logrus.Entry

	server   *http.Server
	accepted chan *transport.PeerConnection

	mu     sync.Mutex
	closed bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithMaxMessageBytes overrides MaxMessageBytes.
func WithMaxMessageBytes(n int64) Option {
	return func(t *Transport) { t.maxMessageBytes = n }
}

// New creates a Transport. If bindAddr is non-empty, it starts an HTTP
// server with a WebSocket upgrade handler at path (server role); an empty
// bindAddr creates a client-only Transport.
func New(bindAddr, path string, log *logrus.Logger, opts ...Option) (*Transport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Transport{
		maxMessageBytes: MaxMessageBytes,
		log:             log.WithField("component", "transport/ws"),
		accepted:        make(chan *transport.PeerConnection, 64),
	}
	for _, o := range opts {
		o(t)
	}

	if bindAddr == "" {
		return t, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, t.handleUpgrade)
	t.server = &http.Server{Addr: bindAddr, Handler: mux}

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport/ws: listen %s: %w", bindAddr, err)
	}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.WithError(err).Error("server exited")
		}
	}()
	return t, nil
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	pc := wrap(conn, r.RemoteAddr, t.maxMessageBytes, t.log)

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		pc.Close()
		return
	}

	select {
	case t.accepted <- pc:
	default:
		t.log.Warn("accept queue full, dropping inbound connection")
		pc.Close()
	}
}

// DiscoverPeers has no LAN/mDNS or signaling-server discovery wired in this
// reference transport; peers are configured explicitly (spec.md §4.6 names
// mDNS/signaling as alternatives, not requirements).
func (t *Transport) DiscoverPeers(ctx context.Context) ([]transport.PeerInfo, error) {
	return nil, nil
}

// Connect dials peer.Address as a WebSocket client.
func (t *Transport) Connect(ctx context.Context, peer transport.PeerInfo) (*transport.PeerConnection, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, peer.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("transport/ws: dial %s: %w", peer.Address, err)
	}
	return wrap(conn, peer.Address, t.maxMessageBytes, t.log), nil
}

// Accept returns the next inbound connection.
func (t *Transport) Accept(ctx context.Context) (*transport.PeerConnection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pc, ok := <-t.accepted:
		if !ok {
			return nil, transport.ErrClosed
		}
		return pc, nil
	}
}

// Close stops the HTTP server, if any, and unblocks any pending Accept.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.accepted)
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

func wrap(conn *websocket.Conn, remoteAddr string, maxBytes int64, log *logrus.Entry) *transport.PeerConnection {
	conn.SetReadLimit(maxBytes)
	var writeMu sync.Mutex
	var closeOnce sync.Once

	return &transport.PeerConnection{
		RemoteAddr: remoteAddr,
		Send: func(ctx context.Context, frame []byte) error {
			if int64(len(frame)) > maxBytes {
				return transport.ErrMessageTooLarge
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if deadline, ok := ctx.Deadline(); ok {
				conn.SetWriteDeadline(deadline)
			}
			return conn.WriteMessage(websocket.BinaryMessage, frame)
		},
		Recv: func(ctx context.Context) ([]byte, error) {
			if deadline, ok := ctx.Deadline(); ok {
				conn.SetReadDeadline(deadline)
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil, transport.ErrClosed
				}
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return nil, transport.ErrClosed
				}
				return nil, err
			}
			return data, nil
		},
		Close: func() error {
			var err error
			closeOnce.Do(func() { err = conn.Close() })
			return err
		},
	}
}
