// Package protocol implements the wire format of spec.md §4.4: JSON
// envelopes for handshake/gossip/sync, and a small binary codec for the
// SyncMessage variants carried inside a sync envelope's data field.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// Role is the side a peer announced in its handshake.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Handshake is the first message either side sends after transport
// accept/connect (spec.md §4.4). IsCompatible gates on the major version
// (DESIGN.md Open Question 3); a mismatch only logs a warning, it never
// closes the connection.
type Handshake struct {
	Type    string        `json:"type"`
	Version uint32        `json:"version"`
	PeerID  peerid.PeerId `json:"peerId"`
	Role    Role          `json:"role"`
	Address string        `json:"address,omitempty"`
}

// ProtocolVersion is this build's handshake version. IsCompatible gates on
// the major component only (see DESIGN.md Open Question 3).
const ProtocolVersion uint32 = 1 << 16

// IsCompatible reports whether a peer's advertised version can be synced
// with, gated on major version only.
func IsCompatible(peerVersion uint32) bool {
	return peerVersion>>16 == ProtocolVersion>>16
}

// GossipUpdate is one membership observation piggybacked on sync traffic or
// a ping/ack (spec.md §4.5).
type GossipUpdate struct {
	Subject     peerid.PeerId `json:"subject"`
	Address     string        `json:"address,omitempty"`
	State       string        `json:"state"`
	Incarnation uint64        `json:"incarnation"`
}

// Gossip is the bare gossip envelope sent on the SWIM tick when no sync
// traffic is pending.
type Gossip struct {
	Type    string         `json:"type"`
	Updates []GossipUpdate `json:"updates"`
}

// Sync carries a binary CRDT payload plus piggybacked gossip.
type Sync struct {
	Type   string         `json:"type"`
	Data   []byte         `json:"data"`
	Gossip []GossipUpdate `json:"gossip,omitempty"`
}

// Ping is a direct SWIM probe, piggybacked on a peer's existing sync
// session rather than opening a separate connection (spec.md §4.5).
type Ping struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

// PingAck answers a Ping on the same session.
type PingAck struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

// IndirectPing asks the session's peer to probe TargetAddress on the
// requester's behalf and report back (spec.md §4.5 k-indirect probing).
type IndirectPing struct {
	Type          string `json:"type"`
	ID            uint64 `json:"id"`
	TargetAddress string `json:"targetAddress"`
}

// IndirectPingAck reports the outcome of the relayed probe.
type IndirectPingAck struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
	OK   bool   `json:"ok"`
}

// Envelope is the decoded result of DecodeEnvelope: exactly one field is
// non-nil.
type Envelope struct {
	Handshake       *Handshake
	Gossip          *Gossip
	Sync            *Sync
	Ping            *Ping
	PingAck         *PingAck
	IndirectPing    *IndirectPing
	IndirectPingAck *IndirectPingAck
}

type typeDiscriminator struct {
	Type string `json:"type"`
}

// ErrUnrecognizedType is returned by DecodeEnvelope for any "type" the
// decoder does not know — callers must not guess past it (spec.md §8
// "message routing" law).
var ErrUnrecognizedType = fmt.Errorf("protocol: unrecognized envelope type")

// DecodeEnvelope parses a JSON envelope and routes it by its "type"
// discriminator to Handshake, Gossip, Sync, Ping, PingAck, IndirectPing, or
// IndirectPingAck.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var disc typeDiscriminator
	if err := json.Unmarshal(data, &disc); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	switch disc.Type {
	case "handshake":
		var h Handshake
		if err := json.Unmarshal(data, &h); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode handshake: %w", err)
		}
		return Envelope{Handshake: &h}, nil
	case "gossip":
		var g Gossip
		if err := json.Unmarshal(data, &g); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode gossip: %w", err)
		}
		return Envelope{Gossip: &g}, nil
	case "sync":
		var s Sync
		if err := json.Unmarshal(data, &s); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode sync: %w", err)
		}
		return Envelope{Sync: &s}, nil
	case "ping":
		var p Ping
		if err := json.Unmarshal(data, &p); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode ping: %w", err)
		}
		return Envelope{Ping: &p}, nil
	case "ping_ack":
		var p PingAck
		if err := json.Unmarshal(data, &p); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode ping_ack: %w", err)
		}
		return Envelope{PingAck: &p}, nil
	case "indirect_ping":
		var p IndirectPing
		if err := json.Unmarshal(data, &p); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode indirect_ping: %w", err)
		}
		return Envelope{IndirectPing: &p}, nil
	case "indirect_ping_ack":
		var p IndirectPingAck
		if err := json.Unmarshal(data, &p); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode indirect_ping_ack: %w", err)
		}
		return Envelope{IndirectPingAck: &p}, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnrecognizedType, disc.Type)
	}
}

// EncodeHandshake renders h as a JSON envelope frame.
func EncodeHandshake(h Handshake) ([]byte, error) {
	h.Type = "handshake"
	out, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode handshake: %w", err)
	}
	return out, nil
}

// EncodeGossip renders updates as a bare gossip envelope frame.
func EncodeGossip(updates []GossipUpdate) ([]byte, error) {
	out, err := json.Marshal(Gossip{Type: "gossip", Updates: updates})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode gossip: %w", err)
	}
	return out, nil
}

// EncodeSync renders a binary SyncMessage payload plus piggybacked gossip as
// a sync envelope frame.
func EncodeSync(data []byte, gossip []GossipUpdate) ([]byte, error) {
	out, err := json.Marshal(Sync{Type: "sync", Data: data, Gossip: gossip})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode sync: %w", err)
	}
	return out, nil
}

// EncodePing renders a direct probe frame.
func EncodePing(id uint64) ([]byte, error) {
	out, err := json.Marshal(Ping{Type: "ping", ID: id})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode ping: %w", err)
	}
	return out, nil
}

// EncodePingAck renders a direct probe's reply frame.
func EncodePingAck(id uint64) ([]byte, error) {
	out, err := json.Marshal(PingAck{Type: "ping_ack", ID: id})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode ping_ack: %w", err)
	}
	return out, nil
}

// EncodeIndirectPing renders a relayed-probe request frame.
func EncodeIndirectPing(id uint64, targetAddress string) ([]byte, error) {
	out, err := json.Marshal(IndirectPing{Type: "indirect_ping", ID: id, TargetAddress: targetAddress})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode indirect_ping: %w", err)
	}
	return out, nil
}

// EncodeIndirectPingAck renders a relayed-probe reply frame.
func EncodeIndirectPingAck(id uint64, ok bool) ([]byte, error) {
	out, err := json.Marshal(IndirectPingAck{Type: "indirect_ping_ack", ID: id, OK: ok})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode indirect_ping_ack: %w", err)
	}
	return out, nil
}

// IsJSONFrame reports whether the first byte of a frame marks it as JSON
// (spec.md §4.4 "first byte distinguishes encodings").
func IsJSONFrame(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	return frame[0] == '{' || frame[0] == '['
}
