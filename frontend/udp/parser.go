package udp

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/frontend"
)

// Option-Types as described in BEP 41 and BEP 45.
const (
	optionEndOfOptions byte = 0x0
	optionNOP          byte = 0x1
	optionURLData      byte = 0x2
)

// noWant is the wire encoding of "no preference" for num_want: all bits set,
// i.e. the int32 value -1.
const noWant uint32 = 0xffffffff

// eventIDs maps an announce's wire-encoded event byte to a bittorrent.Event.
// The wire order (none, completed, started, stopped) does not match
// bittorrent.Event's own iota order, so this is an explicit lookup table
// rather than a cast.
var eventIDs = []bittorrent.Event{
	bittorrent.None,
	bittorrent.Completed,
	bittorrent.Started,
	bittorrent.Stopped,
}

var (
	errMalformedIP       = bittorrent.ClientError("malformed IP address")
	errMalformedEvent    = bittorrent.ClientError("malformed event ID")
	errUnknownOptionType = bittorrent.ClientError("unknown option type")
)

// parseAnnounce parses an AnnounceRequest out of r. If v6Action is true,
// the announce is parsed the "old opentracker way", with an 18-byte IPv6
// address in place of the usual 4-byte IPv4 one; see
// https://web.archive.org/web/20170503181830/http://opentracker.blog.h3q.com/2007/12/28/the-ipv6-situation/
func parseAnnounce(r Request, v6Action bool, opts frontend.ParseOptions) (*bittorrent.AnnounceRequest, error) {
	ipLen := net.IPv4len
	if v6Action {
		ipLen = net.IPv6len
	}
	ipEnd := 84 + ipLen

	if len(r.Packet) < ipEnd+10 {
		return nil, errMalformedPacket
	}

	ih, err := bittorrent.NewInfoHash(r.Packet[16:36])
	if err != nil {
		return nil, errMalformedPacket
	}
	peerID, err := bittorrent.NewPeerID(r.Packet[36:56])
	if err != nil {
		return nil, errMalformedPacket
	}

	downloaded := binary.BigEndian.Uint64(r.Packet[56:64])
	left := binary.BigEndian.Uint64(r.Packet[64:72])
	uploaded := binary.BigEndian.Uint64(r.Packet[72:80])

	eventID := int(r.Packet[83])
	if eventID >= len(eventIDs) {
		return nil, errMalformedEvent
	}

	ip := r.IP
	ipProvided := false
	if opts.AllowIPSpoofing {
		addr, ok := netip.AddrFromSlice(r.Packet[84:ipEnd])
		if !ok {
			return nil, errMalformedIP
		}
		ip = addr.Unmap()
		ipProvided = true
	}
	if !ip.IsValid() {
		return nil, errMalformedIP
	}

	numWant := binary.BigEndian.Uint32(r.Packet[ipEnd+4 : ipEnd+8])
	port := binary.BigEndian.Uint16(r.Packet[ipEnd+8 : ipEnd+10])

	params, err := handleOptionalParameters(r.Packet[ipEnd+10:])
	if err != nil {
		return nil, err
	}

	req := &bittorrent.AnnounceRequest{
		InfoHash:        ih,
		PeerID:          peerID,
		Event:           eventIDs[eventID],
		EventProvided:   true,
		NumWant:         numWant,
		NumWantProvided: numWant != noWant,
		Left:            left,
		Downloaded:      downloaded,
		Uploaded:        uploaded,
		Compact:         true, // UDP peer lists are always compact.
		IPProvided:      ipProvided,
		Params:          params,
	}
	req.SetEndpoint(bittorrent.NewPeerFromParts(peerID, ip, port))
	clampNumWant(req, opts)

	return req, nil
}

// clampNumWant applies the frontend's numwant defaults/limits. A client
// that didn't ask for a specific count (the wire -1 sentinel) gets the
// configured default; anything above the configured maximum is capped.
func clampNumWant(req *bittorrent.AnnounceRequest, opts frontend.ParseOptions) {
	if !req.NumWantProvided {
		req.NumWant = opts.DefaultNumWant
	}
	if req.NumWant > opts.MaxNumWant {
		req.NumWant = opts.MaxNumWant
	}
}

// parseScrape parses a ScrapeRequest out of r.
func parseScrape(r Request, opts frontend.ParseOptions) (*bittorrent.ScrapeRequest, error) {
	if len(r.Packet) < 16 {
		return nil, errMalformedPacket
	}

	packet := r.Packet[16:]
	if len(packet)%bittorrent.InfoHashV1Len != 0 {
		return nil, errMalformedPacket
	}

	var infoHashes []bittorrent.InfoHash
	for len(packet) >= bittorrent.InfoHashV1Len {
		ih, err := bittorrent.NewInfoHash(packet[:bittorrent.InfoHashV1Len])
		if err != nil {
			return nil, errMalformedPacket
		}
		infoHashes = append(infoHashes, ih)
		packet = packet[bittorrent.InfoHashV1Len:]
	}

	if uint32(len(infoHashes)) > opts.MaxScrapeInfoHashes {
		infoHashes = infoHashes[:opts.MaxScrapeInfoHashes]
	}

	return &bittorrent.ScrapeRequest{InfoHashes: infoHashes}, nil
}

// optionBuffer accumulates BEP 41 URL-data fragments spread across several
// BEP 45 options before handing the reassembled query string to
// bittorrent.ParseURLData.
type optionBuffer struct {
	bytes.Buffer
}

var optionBufferPool = sync.Pool{New: func() any { return new(optionBuffer) }}

// handleOptionalParameters walks the BEP 41/45 TLV options trailing an
// announce packet, reassembling any URL-data fragments into Params.
func handleOptionalParameters(packet []byte) (bittorrent.Params, error) {
	if len(packet) == 0 {
		return bittorrent.ParseURLData("")
	}

	buf := optionBufferPool.Get().(*optionBuffer)
	buf.Reset()
	defer optionBufferPool.Put(buf)

	for i := 0; i < len(packet); {
		switch packet[i] {
		case optionEndOfOptions:
			return bittorrent.ParseURLData(buf.String())
		case optionNOP:
			i++
		case optionURLData:
			if i+1 >= len(packet) {
				return nil, errMalformedPacket
			}
			length := int(packet[i+1])
			if i+2+length > len(packet) {
				return nil, errMalformedPacket
			}
			buf.Write(packet[i+2 : i+2+length])
			i += 2 + length
		default:
			return nil, errUnknownOptionType
		}
	}

	return bittorrent.ParseURLData(buf.String())
}
