package udp

import (
	"bytes"
	"errors"
	"sync"

	"github.com/torshare/torshare-tracker/bittorrent"
)

// Action IDs as described in BEP 15.
const (
	connectActionID    uint32 = 0
	announceActionID   uint32 = 1
	scrapeActionID     uint32 = 2
	errorActionID      uint32 = 3
	announceV6ActionID uint32 = 4
)

// initialConnectionID is the fixed connection ID a client must send with
// its first connect request (the "magic number" 0x41727101980).
var initialConnectionID = []byte{0, 0, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80}

// Errors returned to the client verbatim.
var (
	errMalformedPacket = bittorrent.ClientError("malformed packet")
	errBadConnectionID = bittorrent.ClientError("bad connection ID")
	errUnknownAction   = bittorrent.ClientError("unknown action ID")
)

// isClientFault reports whether err should be blamed on the requester
// rather than on this tracker, shared by writeErrorResponse (which decides
// the wording of the error it returns) and recordResponseDuration (which
// labels the metric).
func isClientFault(err error) bool {
	var ce bittorrent.ClientError
	return errors.As(err, &ce)
}

// reqRespBufferPool recycles the bytes.Buffer used to build each response
// packet, avoiding an allocation on every announce/scrape under load.
var reqRespBufferPool = bufferPool{p: sync.Pool{New: func() any { return new(bytes.Buffer) }}}

type bufferPool struct {
	p sync.Pool
}

func (bp *bufferPool) Get() *bytes.Buffer {
	return bp.p.Get().(*bytes.Buffer)
}

func (bp *bufferPool) Put(b *bytes.Buffer) {
	b.Reset()
	bp.p.Put(b)
}
