package udp

import (
	"crypto/hmac"
	"encoding/binary"
	"hash"
	"net/netip"
	"time"

	"github.com/minio/sha256-simd"
)

// connectionIDLen is the wire length of a BEP 15 connection ID.
const connectionIDLen = 8

// windowSize is the quantization of the rolling validity window. A
// connection ID is accepted for the current window and, to tolerate a
// client announcing right as a window rolls over, windows going back up to
// MaxClockSkew.
const windowSize = 60 * time.Second

// ConnectionIDGenerator creates and validates connection IDs as described
// in BEP 15. It avoids the tracker having to store per-client state for
// the connect/announce handshake: a connection ID is an HMAC of the
// requester's IP and a time window, so any tracker process holding the
// same private key can validate one without a lookup.
type ConnectionIDGenerator struct {
	mac          hash.Hash
	maxClockSkew time.Duration
}

// NewConnectionIDGenerator builds a generator keyed by key. maxClockSkew
// bounds how many windowSize-sized windows into the past a connection ID
// remains valid.
func NewConnectionIDGenerator(key []byte, maxClockSkew time.Duration) *ConnectionIDGenerator {
	return &ConnectionIDGenerator{
		mac:          hmac.New(sha256.New, key),
		maxClockSkew: maxClockSkew,
	}
}

func windowIndex(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(windowSize/time.Second)
}

// Generate returns a connection ID for ip valid as of now.
func (g *ConnectionIDGenerator) Generate(ip netip.Addr, now time.Time) []byte {
	return g.connectionID(ip, windowIndex(now))
}

// Validate reports whether connID is a connection ID previously generated
// for ip, valid for the window containing now or any earlier window within
// g.maxClockSkew.
func (g *ConnectionIDGenerator) Validate(connID []byte, ip netip.Addr, now time.Time) bool {
	if len(connID) != connectionIDLen {
		return false
	}

	maxWindowsBack := uint64(g.maxClockSkew/windowSize) + 1
	current := windowIndex(now)
	for i := uint64(0); i <= maxWindowsBack; i++ {
		if current < i {
			break
		}
		if hmac.Equal(connID, g.connectionID(ip, current-i)) {
			return true
		}
	}
	return false
}

func (g *ConnectionIDGenerator) connectionID(ip netip.Addr, window uint64) []byte {
	g.mac.Reset()
	addr := ip.Unmap()
	b := addr.AsSlice()
	_, _ = g.mac.Write(b)
	var windowBytes [8]byte
	binary.BigEndian.PutUint64(windowBytes[:], window)
	_, _ = g.mac.Write(windowBytes[:])
	return g.mac.Sum(nil)[:connectionIDLen]
}
