// Package bittorrent implements the abstractions that decouple the wire
// protocol of a BitTorrent tracker (HTTP, UDP) from the logic of handling
// announces and scrapes. Nothing in this package knows how to read a byte
// off a socket; frontends translate wire bytes into these types and back.
package bittorrent

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Event represents the type of announce.
type Event uint8

// Events a client can declare on an announce.
const (
	None Event = iota
	Started
	Stopped
	Completed
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

// NewEvent parses the textual representation of an Event as used by the
// `event` HTTP query parameter and the BEP 15 UDP event field.
func NewEvent(s string) (Event, error) {
	switch s {
	case "", "none":
		return None, nil
	case "started":
		return Started, nil
	case "stopped":
		return Stopped, nil
	case "completed":
		return Completed, nil
	default:
		return None, ErrUnknownEvent
	}
}

// ErrUnknownEvent is returned by NewEvent for any value other than the four
// recognized event names.
var ErrUnknownEvent = ClientError("unknown event")

// InfoHash identifies a torrent. It holds the raw digest bytes, either the
// 20-byte SHA-1 (v1, BEP 3) or the 32-byte SHA-256 (v2, BEP 52) form.
type InfoHash string

// Recognized InfoHash lengths.
const (
	InfoHashV1Len = sha1.Size
	InfoHashV2Len = sha256.Size
)

// NoneInfoHash is the zero value of InfoHash.
const NoneInfoHash InfoHash = ""

// Errors returned by NewInfoHash.
var (
	ErrInvalidInfoHashSize = errors.New("info hash must be either 20 (v1) or 32 (v2) bytes")
)

// NewInfoHash builds an InfoHash from raw bytes, or from a hex string of the
// appropriate length (40 or 64 characters).
func NewInfoHash(b []byte) (InfoHash, error) {
	l := len(b)
	if l != InfoHashV1Len && l != InfoHashV2Len {
		return NoneInfoHash, ErrInvalidInfoHashSize
	}
	return InfoHash(b), nil
}

// NewInfoHashFromHex decodes a hex-encoded InfoHash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NoneInfoHash, err
	}
	return NewInfoHash(b)
}

// TruncateV1 returns the 20-byte BEP 52 truncation of a v2 InfoHash. Calling
// it on a value that is already 20 bytes is a no-op.
func (i InfoHash) TruncateV1() InfoHash {
	if len(i) <= InfoHashV1Len {
		return i
	}
	return i[:InfoHashV1Len]
}

// String implements fmt.Stringer, returning the hex-encoded digest.
func (i InfoHash) String() string {
	return hex.EncodeToString([]byte(i))
}

// RawString returns the raw digest bytes as a string, suitable for use as a
// map key or wire-format field.
func (i InfoHash) RawString() string {
	return string(i)
}

// ClientError is an error that should be surfaced to the BitTorrent client
// verbatim (as a bencoded "failure reason" or a UDP error packet), as
// opposed to an internal error that should only be logged.
type ClientError string

// Error implements the error interface.
func (c ClientError) Error() string { return string(c) }

// Scrape is the per-InfoHash triple returned by a scrape.
type Scrape struct {
	InfoHash   InfoHash
	Complete   uint32
	Incomplete uint32
	Snatches   uint32
}

// ScrapeRequest is the decoded form of a scrape request, transport-agnostic.
type ScrapeRequest struct {
	InfoHashes []InfoHash
	Params     Params
}

// ScrapeResponse is the transport-agnostic result of handling a ScrapeRequest.
type ScrapeResponse struct {
	Files []Scrape
}

// AnnounceResponse is the transport-agnostic result of handling an
// AnnounceRequest.
type AnnounceResponse struct {
	Compact     bool
	Complete    uint32
	Incomplete  uint32
	Interval    time.Duration
	MinInterval time.Duration
	IPv4Peers   []Peer
	IPv6Peers   []Peer
}

// LogFields renders the response for structured logging.
func (r AnnounceResponse) LogFields() map[string]any {
	return map[string]any{
		"complete":    r.Complete,
		"incomplete":  r.Incomplete,
		"interval":    r.Interval,
		"minInterval": r.MinInterval,
		"ipv4Peers":   len(r.IPv4Peers),
		"ipv6Peers":   len(r.IPv6Peers),
	}
}

// AnnounceRequest is the decoded, transport-agnostic form of an announce.
type AnnounceRequest struct {
	InfoHash InfoHash
	PeerID   PeerID

	Event         Event
	EventProvided bool

	NumWant         uint32
	NumWantProvided bool

	Left       uint64
	Downloaded uint64
	Uploaded   uint64

	Compact bool
	Key     string

	IPProvided bool

	Params Params

	peerV4 *Peer
	peerV6 *Peer
}

// SetEndpoint records one (IP, port) endpoint the peer announced from. A
// request may carry both a v4 and a v6 endpoint when the client performs
// BEP 7 dual-stack announces.
func (r *AnnounceRequest) SetEndpoint(p Peer) {
	if p.Addr().Is6() && !p.Addr().Is4In6() {
		r.peerV6 = &p
	} else {
		r.peerV4 = &p
	}
}

// GetFirst returns the primary endpoint's address: the v6 one if the
// request carries a dual-stack announce, otherwise the v4 one.
func (r *AnnounceRequest) GetFirst() Peer {
	if r.peerV6 != nil {
		return *r.peerV6
	}
	if r.peerV4 != nil {
		return *r.peerV4
	}
	return Peer{}
}

// Peers returns every endpoint this peer announced, in priority order
// (IPv6 first, matching GetFirst).
func (r *AnnounceRequest) Peers() []Peer {
	peers := make([]Peer, 0, 2)
	if r.peerV6 != nil {
		peers = append(peers, *r.peerV6)
	}
	if r.peerV4 != nil {
		peers = append(peers, *r.peerV4)
	}
	return peers
}

// LogFields renders the request for structured logging.
func (r AnnounceRequest) LogFields() map[string]any {
	return map[string]any{
		"event":      r.Event,
		"infoHash":   r.InfoHash,
		"compact":    r.Compact,
		"numWant":    r.NumWant,
		"left":       r.Left,
		"downloaded": r.Downloaded,
		"uploaded":   r.Uploaded,
		"peers":      r.Peers(),
	}
}

// String implements fmt.Stringer for a few types above that benefit from a
// terse textual form in ad hoc debugging/logging (zerolog's %v fallback).
func (e Scrape) String() string {
	return fmt.Sprintf("%s: complete=%d incomplete=%d snatches=%d", e.InfoHash, e.Complete, e.Incomplete, e.Snatches)
}
