package bittorrent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// PeerIDLen is the length in bytes of a PeerID.
const PeerIDLen = 20

// PeerID is a BitTorrent client's self-reported, session-stable identity
// within one swarm.
type PeerID [PeerIDLen]byte

// ErrInvalidPeerIDSize is returned by NewPeerID for input that isn't
// exactly PeerIDLen bytes.
var ErrInvalidPeerIDSize = errors.New("peer ID must be 20 bytes")

// NewPeerID builds a PeerID from a byte slice.
func NewPeerID(b []byte) (PeerID, error) {
	var p PeerID
	if len(b) != PeerIDLen {
		return p, ErrInvalidPeerIDSize
	}
	copy(p[:], b)
	return p, nil
}

// String implements fmt.Stringer, returning the hex-encoded ID.
func (p PeerID) String() string {
	return fmt.Sprintf("%x", p[:])
}

// RawString returns the 20 raw bytes of the ID as a string.
func (p PeerID) RawString() string {
	return string(p[:])
}

// Peer is one (PeerID, endpoint) pair participating in a swarm.
type Peer struct {
	id PeerID
	ap netip.AddrPort
}

// NewPeerFromParts builds a Peer from its component parts. Port 0 is only
// valid for an endpoint used to look up or remove a peer record following a
// "stopped" event, never for one returned to other clients.
func NewPeerFromParts(id PeerID, addr netip.Addr, port uint16) Peer {
	return Peer{id: id, ap: netip.AddrPortFrom(addr.Unmap(), port)}
}

// ID returns the peer's self-reported identity.
func (p Peer) ID() PeerID { return p.id }

// Addr returns the peer's IP address.
func (p Peer) Addr() netip.Addr { return p.ap.Addr() }

// Port returns the peer's port.
func (p Peer) Port() uint16 { return p.ap.Port() }

// AddrPort returns the peer's endpoint as a netip.AddrPort.
func (p Peer) AddrPort() netip.AddrPort { return p.ap }

// Equal reports whether p and x are the same peer (same ID and endpoint).
func (p Peer) Equal(x Peer) bool { return p.id == x.id && p.ap == x.ap }

// EqualEndpoint reports whether p and x share the same network endpoint,
// ignoring PeerID — used to recognize a client that changed its reported ID
// but kept announcing from the same address (not itself meaningful to the
// protocol, but useful for dedup in response construction).
func (p Peer) EqualEndpoint(x Peer) bool { return p.ap == x.ap }

// String renders the peer as "<peerid>@<ip>:<port>".
func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.id, p.ap)
}

// LogFields renders the peer for structured logging.
func (p Peer) LogFields() map[string]any {
	return map[string]any{"id": p.id, "addr": p.ap}
}

// MarshalZerologObject lets zerolog's Object() call render a Peer directly.
// Kept minimal and dependency-free here; frontend/storage packages that
// import zerolog add the adapter where needed.

// RawString serializes the peer into a fixed-layout string used as the
// storage backends' peer key: 20 bytes of PeerID, 2 bytes of port
// (big-endian), then either 4 (IPv4) or 16 (IPv6) bytes of address.
func (p Peer) RawString() string {
	addr := p.ap.Addr()
	ipBytes := addr.AsSlice()
	b := make([]byte, PeerIDLen+2+len(ipBytes))
	copy(b[:PeerIDLen], p.id[:])
	binary.BigEndian.PutUint16(b[PeerIDLen:PeerIDLen+2], p.ap.Port())
	copy(b[PeerIDLen+2:], ipBytes)
	return string(b)
}

// ErrMalformedRawPeer is returned by NewPeer when the input doesn't match
// the layout RawString produces.
var ErrMalformedRawPeer = errors.New("malformed raw peer string")

// NewPeer decodes a peer previously serialized with RawString, as done when
// reading peer keys back out of a storage backend (e.g. a Redis hash
// field).
func NewPeer(raw string) (Peer, error) {
	b := []byte(raw)
	if len(b) != PeerIDLen+2+4 && len(b) != PeerIDLen+2+16 {
		return Peer{}, ErrMalformedRawPeer
	}

	var id PeerID
	copy(id[:], b[:PeerIDLen])
	port := binary.BigEndian.Uint16(b[PeerIDLen : PeerIDLen+2])

	ipBytes := b[PeerIDLen+2:]
	var addr netip.Addr
	var ok bool
	switch len(ipBytes) {
	case 4:
		addr, ok = netip.AddrFromSlice(ipBytes)
	case 16:
		addr, ok = netip.AddrFromSlice(ipBytes)
	}
	if !ok {
		return Peer{}, ErrMalformedRawPeer
	}

	return NewPeerFromParts(id, addr, port), nil
}
