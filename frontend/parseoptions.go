package frontend

import "github.com/torshare/torshare-tracker/pkg/log"

// Default parser config constants.
const (
	DefaultMaxNumWant          uint32 = 100
	DefaultDefaultNumWant      uint32 = 50
	DefaultMaxScrapeInfoHashes uint32 = 64
)

// ParseOptions configures how a frontend turns wire bytes into
// bittorrent.AnnounceRequest/ScrapeRequest values.
type ParseOptions struct {
	// AllowIPSpoofing honors an IP address supplied in request parameters
	// (HTTP query string, BEP 41 URL-data) instead of always using the
	// request's actual source address.
	AllowIPSpoofing bool `cfg:"allow_ip_spoofing"`
	// RealIPHeader, if set, is an HTTP header (e.g. "X-Forwarded-For")
	// consulted for the client's address when the frontend sits behind a
	// reverse proxy. Unused by the UDP frontend.
	RealIPHeader        string `cfg:"real_ip_header"`
	MaxNumWant          uint32 `cfg:"max_numwant"`
	DefaultNumWant      uint32 `cfg:"default_numwant"`
	MaxScrapeInfoHashes uint32 `cfg:"max_scrape_infohashes"`
}

// Validate sanity checks o and returns a corrected copy, warning via logger
// about anything it had to change.
func (o ParseOptions) Validate(logger log.Logger) ParseOptions {
	v := o
	if v.MaxNumWant == 0 {
		v.MaxNumWant = DefaultMaxNumWant
	}
	if v.DefaultNumWant == 0 {
		v.DefaultNumWant = DefaultDefaultNumWant
	}
	if v.DefaultNumWant > v.MaxNumWant {
		logger.Warn().
			Uint32("defaultNumWant", v.DefaultNumWant).
			Uint32("maxNumWant", v.MaxNumWant).
			Msg("default_numwant exceeds max_numwant, clamping")
		v.DefaultNumWant = v.MaxNumWant
	}
	if v.MaxScrapeInfoHashes == 0 {
		v.MaxScrapeInfoHashes = DefaultMaxScrapeInfoHashes
	}
	return v
}
