package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/inkwell-sync/vaultsync/internal/crdt"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// MessageTag discriminates the binary SyncMessage variants carried inside a
// Sync envelope's data field (spec.md §4.4).
type MessageTag byte

const (
	TagSyncRequest    MessageTag = 1
	TagSyncResponse   MessageTag = 2
	TagSyncExchange   MessageTag = 3
	TagDocumentUpdate MessageTag = 4
	TagFileDeleted    MessageTag = 5
)

// SyncRequest carries a replica's current version vectors (spec.md §4.7
// step 1).
type SyncRequest struct {
	RegistryVV crdt.VersionVector
	PerNoteVV  map[string]crdt.VersionVector // note id -> version vector
}

// SyncResponse carries whatever the requester is missing.
type SyncResponse struct {
	HasRegistryDelta bool
	RegistryDelta    []byte
	PerNoteDelta     map[string][]byte // note id -> delta bytes
}

// SyncExchange bundles a response to the peer's request with the
// responder's own request, cutting a round-trip (spec.md §4.7 step 2).
type SyncExchange struct {
	Response SyncResponse
	Request  *SyncRequest // nil if the responder already has an outstanding request
}

// DocumentUpdate is a live push of one note's delta after a local commit.
type DocumentUpdate struct {
	NoteID string
	Delta  []byte
}

// FileDeleted is a tombstone notification for a note.
type FileDeleted struct {
	NoteID string
}

// EncodeSyncMessage dispatches on the concrete type of msg and produces a
// tag-prefixed binary frame: SyncRequest, SyncResponse, SyncExchange,
// DocumentUpdate, or FileDeleted.
func EncodeSyncMessage(msg any) ([]byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case SyncRequest:
		buf.WriteByte(byte(TagSyncRequest))
		writeSyncRequest(&buf, m)
	case SyncResponse:
		buf.WriteByte(byte(TagSyncResponse))
		writeSyncResponse(&buf, m)
	case SyncExchange:
		buf.WriteByte(byte(TagSyncExchange))
		writeSyncResponse(&buf, m.Response)
		if m.Request != nil {
			buf.WriteByte(1)
			writeSyncRequest(&buf, *m.Request)
		} else {
			buf.WriteByte(0)
		}
	case DocumentUpdate:
		buf.WriteByte(byte(TagDocumentUpdate))
		writeString(&buf, m.NoteID)
		writeBytes(&buf, m.Delta)
	case FileDeleted:
		buf.WriteByte(byte(TagFileDeleted))
		writeString(&buf, m.NoteID)
	default:
		return nil, fmt.Errorf("protocol: encode sync message: unsupported type %T", msg)
	}
	return buf.Bytes(), nil
}

// DecodeSyncMessage parses a tag-prefixed binary frame back into the
// concrete SyncMessage variant it encodes. MAX_MESSAGE_SIZE enforcement
// happens before this is ever called (see internal/transport), satisfying
// spec.md §8's size-bound law.
func DecodeSyncMessage(frame []byte) (any, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("protocol: decode sync message: empty frame")
	}
	r := bytes.NewReader(frame[1:])
	switch MessageTag(frame[0]) {
	case TagSyncRequest:
		return readSyncRequest(r)
	case TagSyncResponse:
		return readSyncResponse(r)
	case TagSyncExchange:
		resp, err := readSyncResponse(r)
		if err != nil {
			return nil, err
		}
		hasReq, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("protocol: decode sync exchange: %w", err)
		}
		var req *SyncRequest
		if hasReq == 1 {
			rq, err := readSyncRequest(r)
			if err != nil {
				return nil, err
			}
			req = &rq
		}
		return SyncExchange{Response: resp, Request: req}, nil
	case TagDocumentUpdate:
		noteID, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode document update: %w", err)
		}
		delta, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode document update: %w", err)
		}
		return DocumentUpdate{NoteID: noteID, Delta: delta}, nil
	case TagFileDeleted:
		noteID, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode file deleted: %w", err)
		}
		return FileDeleted{NoteID: noteID}, nil
	default:
		return nil, fmt.Errorf("protocol: decode sync message: unrecognized tag %d", frame[0])
	}
}

func writeSyncRequest(buf *bytes.Buffer, m SyncRequest) {
	writeVersionVector(buf, m.RegistryVV)
	writeUint32(buf, uint32(len(m.PerNoteVV)))
	for noteID, vv := range m.PerNoteVV {
		writeString(buf, noteID)
		writeVersionVector(buf, vv)
	}
}

func readSyncRequest(r *bytes.Reader) (SyncRequest, error) {
	vv, err := readVersionVector(r)
	if err != nil {
		return SyncRequest{}, fmt.Errorf("protocol: decode sync request: %w", err)
	}
	n, err := readUint32(r)
	if err != nil {
		return SyncRequest{}, fmt.Errorf("protocol: decode sync request: %w", err)
	}
	perNote := make(map[string]crdt.VersionVector, n)
	for i := uint32(0); i < n; i++ {
		noteID, err := readString(r)
		if err != nil {
			return SyncRequest{}, fmt.Errorf("protocol: decode sync request: %w", err)
		}
		nvv, err := readVersionVector(r)
		if err != nil {
			return SyncRequest{}, fmt.Errorf("protocol: decode sync request: %w", err)
		}
		perNote[noteID] = nvv
	}
	return SyncRequest{RegistryVV: vv, PerNoteVV: perNote}, nil
}

func writeSyncResponse(buf *bytes.Buffer, m SyncResponse) {
	if m.HasRegistryDelta {
		buf.WriteByte(1)
		writeBytes(buf, m.RegistryDelta)
	} else {
		buf.WriteByte(0)
	}
	writeUint32(buf, uint32(len(m.PerNoteDelta)))
	for noteID, delta := range m.PerNoteDelta {
		writeString(buf, noteID)
		writeBytes(buf, delta)
	}
}

func readSyncResponse(r *bytes.Reader) (SyncResponse, error) {
	hasDelta, err := r.ReadByte()
	if err != nil {
		return SyncResponse{}, fmt.Errorf("protocol: decode sync response: %w", err)
	}
	var registryDelta []byte
	if hasDelta == 1 {
		registryDelta, err = readBytes(r)
		if err != nil {
			return SyncResponse{}, fmt.Errorf("protocol: decode sync response: %w", err)
		}
	}
	n, err := readUint32(r)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("protocol: decode sync response: %w", err)
	}
	perNote := make(map[string][]byte, n)
	for i := uint32(0); i < n; i++ {
		noteID, err := readString(r)
		if err != nil {
			return SyncResponse{}, fmt.Errorf("protocol: decode sync response: %w", err)
		}
		delta, err := readBytes(r)
		if err != nil {
			return SyncResponse{}, fmt.Errorf("protocol: decode sync response: %w", err)
		}
		perNote[noteID] = delta
	}
	return SyncResponse{HasRegistryDelta: hasDelta == 1, RegistryDelta: registryDelta, PerNoteDelta: perNote}, nil
}

func writeVersionVector(buf *bytes.Buffer, vv crdt.VersionVector) {
	writeUint32(buf, uint32(len(vv)))
	for peer, counter := range vv {
		var peerBuf [8]byte
		binary.BigEndian.PutUint64(peerBuf[:], uint64(peer))
		buf.Write(peerBuf[:])
		var counterBuf [8]byte
		binary.BigEndian.PutUint64(counterBuf[:], counter)
		buf.Write(counterBuf[:])
	}
}

func readVersionVector(r *bytes.Reader) (crdt.VersionVector, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	vv := make(crdt.VersionVector, n)
	for i := uint32(0); i < n; i++ {
		var peerBuf [8]byte
		if _, err := readFull(r, peerBuf[:]); err != nil {
			return nil, err
		}
		var counterBuf [8]byte
		if _, err := readFull(r, counterBuf[:]); err != nil {
			return nil, err
		}
		vv[peerid.PeerId(binary.BigEndian.Uint64(peerBuf[:]))] = binary.BigEndian.Uint64(counterBuf[:])
	}
	return vv, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeBytes(buf *bytes.Buffer, data []byte) {
	writeUint32(buf, uint32(len(data)))
	buf.Write(data)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}
