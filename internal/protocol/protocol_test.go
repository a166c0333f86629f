package protocol

import (
	"testing"

	"github.com/inkwell-sync/vaultsync/internal/crdt"
	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

func TestIsJSONFrame(t *testing.T) {
	t.Parallel()
	cases := []struct {
		frame []byte
		want  bool
	}{
		{[]byte(`{"type":"handshake"}`), true},
		{[]byte(`[1,2,3]`), true},
		{[]byte{0x01, 0x02}, false},
		{[]byte{}, false},
	}
	for _, c := range cases {
		if got := IsJSONFrame(c.frame); got != c.want {
			t.Errorf("IsJSONFrame(%q) = %v, want %v", c.frame, got, c.want)
		}
	}
}

// TestMessageRouting is spec.md §8's "message routing" law: the envelope
// parser must route by type and refuse to guess at unknown types.
func TestMessageRouting(t *testing.T) {
	t.Parallel()

	hsBytes, err := EncodeHandshake(Handshake{Version: ProtocolVersion, PeerID: peerid.PeerId(1), Role: RoleClient})
	if err != nil {
		t.Fatal(err)
	}
	env, err := DecodeEnvelope(hsBytes)
	if err != nil || env.Handshake == nil {
		t.Fatalf("DecodeEnvelope(handshake) = (%+v, %v), want Handshake set", env, err)
	}

	gossipBytes, err := EncodeGossip([]GossipUpdate{{Subject: peerid.PeerId(2), State: "alive", Incarnation: 1}})
	if err != nil {
		t.Fatal(err)
	}
	env, err = DecodeEnvelope(gossipBytes)
	if err != nil || env.Gossip == nil {
		t.Fatalf("DecodeEnvelope(gossip) = (%+v, %v), want Gossip set", env, err)
	}

	syncBytes, err := EncodeSync([]byte{0xAB}, nil)
	if err != nil {
		t.Fatal(err)
	}
	env, err = DecodeEnvelope(syncBytes)
	if err != nil || env.Sync == nil {
		t.Fatalf("DecodeEnvelope(sync) = (%+v, %v), want Sync set", env, err)
	}

	if _, err := DecodeEnvelope([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatal("DecodeEnvelope(unknown type) should error, not guess")
	}
}

func TestIsCompatibleMajorVersionOnly(t *testing.T) {
	t.Parallel()
	if !IsCompatible(ProtocolVersion) {
		t.Fatal("same version should be compatible")
	}
	if !IsCompatible(ProtocolVersion + 1) {
		t.Fatal("a differing minor version should still be compatible")
	}
	if IsCompatible(ProtocolVersion + (1 << 16)) {
		t.Fatal("a differing major version should not be compatible")
	}
}

func TestSyncRequestRoundTrip(t *testing.T) {
	t.Parallel()
	req := SyncRequest{
		RegistryVV: crdt.VersionVector{peerid.PeerId(1): 3, peerid.PeerId(2): 5},
		PerNoteVV:  map[string]crdt.VersionVector{"note-1": {peerid.PeerId(1): 2}},
	}
	frame, err := EncodeSyncMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeSyncMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := decoded.(SyncRequest)
	if !ok {
		t.Fatalf("DecodeSyncMessage() = %T, want SyncRequest", decoded)
	}
	if !got.RegistryVV.Equal(req.RegistryVV) {
		t.Fatalf("RegistryVV = %v, want %v", got.RegistryVV, req.RegistryVV)
	}
	if len(got.PerNoteVV) != 1 || !got.PerNoteVV["note-1"].Equal(req.PerNoteVV["note-1"]) {
		t.Fatalf("PerNoteVV = %v, want %v", got.PerNoteVV, req.PerNoteVV)
	}
}

func TestSyncExchangeRoundTrip(t *testing.T) {
	t.Parallel()
	req := SyncRequest{RegistryVV: crdt.VersionVector{peerid.PeerId(9): 1}, PerNoteVV: map[string]crdt.VersionVector{}}
	exch := SyncExchange{
		Response: SyncResponse{
			HasRegistryDelta: true,
			RegistryDelta:    []byte("regdelta"),
			PerNoteDelta:     map[string][]byte{"note-1": []byte("delta1")},
		},
		Request: &req,
	}
	frame, err := EncodeSyncMessage(exch)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeSyncMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := decoded.(SyncExchange)
	if !ok {
		t.Fatalf("DecodeSyncMessage() = %T, want SyncExchange", decoded)
	}
	if !got.Response.HasRegistryDelta || string(got.Response.RegistryDelta) != "regdelta" {
		t.Fatalf("Response = %+v, want registry delta %q", got.Response, "regdelta")
	}
	if string(got.Response.PerNoteDelta["note-1"]) != "delta1" {
		t.Fatalf("PerNoteDelta[note-1] = %q, want %q", got.Response.PerNoteDelta["note-1"], "delta1")
	}
	if got.Request == nil || !got.Request.RegistryVV.Equal(req.RegistryVV) {
		t.Fatalf("Request = %+v, want %+v", got.Request, req)
	}
}

func TestDocumentUpdateAndFileDeletedRoundTrip(t *testing.T) {
	t.Parallel()

	du := DocumentUpdate{NoteID: "note-7", Delta: []byte("bytes")}
	frame, err := EncodeSyncMessage(du)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeSyncMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	gotDU, ok := decoded.(DocumentUpdate)
	if !ok || gotDU.NoteID != "note-7" || string(gotDU.Delta) != "bytes" {
		t.Fatalf("DecodeSyncMessage() = %+v, want %+v", decoded, du)
	}

	fd := FileDeleted{NoteID: "note-8"}
	frame, err = EncodeSyncMessage(fd)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err = DecodeSyncMessage(frame)
	if err != nil {
		t.Fatal(err)
	}
	gotFD, ok := decoded.(FileDeleted)
	if !ok || gotFD.NoteID != "note-8" {
		t.Fatalf("DecodeSyncMessage() = %+v, want %+v", decoded, fd)
	}
}
