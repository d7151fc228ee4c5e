package frontend

import (
	"net"

	"github.com/libp2p/go-reuseport"

	"github.com/torshare/torshare-tracker/pkg/log"
)

// ListenOptions are the options shared by every socket-based frontend.
type ListenOptions struct {
	Addr string
	// ReusePort binds Addr with SO_REUSEPORT, letting multiple Workers (and
	// independent frontend processes) share the same port with the kernel
	// load-balancing incoming connections/datagrams across them. It also
	// lets the HTTP and UDP frontends share one port number, since each
	// protocol's socket type is bound independently.
	ReusePort bool `cfg:"reuse_port"`
	// Workers is the number of listening sockets to open on Addr. Values
	// greater than 1 force ReusePort on.
	Workers int
	// EnableRequestTiming records a per-request duration histogram. Left
	// off by default since timecache.Now() is cheap but time.Now() per
	// request adds up under load.
	EnableRequestTiming bool `cfg:"enable_request_timing"`
}

// Validate sanity checks o and returns a corrected copy, warning via logger
// about anything it had to change.
func (o ListenOptions) Validate(logger log.Logger) ListenOptions {
	v := o
	if v.Addr == "" {
		v.Addr = ":3000"
		logger.Warn().Str("name", "Addr").Str("default", v.Addr).Msg("falling back to default configuration")
	}
	if v.Workers <= 0 {
		v.Workers = 1
	}
	if v.Workers > 1 && !v.ReusePort {
		v.ReusePort = true
		logger.Warn().Msg("forcibly enabling ReusePort because Workers > 1")
	}
	return v
}

// ListenUDP opens a UDP socket on Addr, using SO_REUSEPORT if requested.
func (o ListenOptions) ListenUDP() (*net.UDPConn, error) {
	if !o.ReusePort {
		addr, err := net.ResolveUDPAddr("udp", o.Addr)
		if err != nil {
			return nil, err
		}
		return net.ListenUDP("udp", addr)
	}

	pc, err := reuseport.ListenPacket("udp", o.Addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Listen opens a TCP listener on Addr, using SO_REUSEPORT if requested.
func (o ListenOptions) Listen() (net.Listener, error) {
	if !o.ReusePort {
		return net.Listen("tcp", o.Addr)
	}
	return reuseport.Listen("tcp", o.Addr)
}
