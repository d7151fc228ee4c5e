package container

import (
	"sync"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/storage"
)

func init() {
	Register("list", buildList)
}

// listConfig configures the "list" container: a static allow or deny set
// of hex-encoded infohashes, held entirely in memory.
type listConfig struct {
	Whitelist []string `cfg:"whitelist"`
	Blacklist []string `cfg:"blacklist"`
}

// list is an in-memory, reloadable allow/deny set. A non-empty whitelist
// makes it an allow list (only listed hashes are approved); otherwise it's
// a deny list (every hash is approved except those blacklisted).
type list struct {
	mu        sync.RWMutex
	whitelist map[bittorrent.InfoHash]struct{}
	blacklist map[bittorrent.InfoHash]struct{}
}

func buildList(cfg conf.MapConfig, _ storage.Storage) (Container, error) {
	var c listConfig
	if err := cfg.Unmarshal(&c); err != nil {
		return nil, err
	}

	wl, err := hexSet(c.Whitelist)
	if err != nil {
		return nil, err
	}
	bl, err := hexSet(c.Blacklist)
	if err != nil {
		return nil, err
	}

	return &list{whitelist: wl, blacklist: bl}, nil
}

func hexSet(hexHashes []string) (map[bittorrent.InfoHash]struct{}, error) {
	set := make(map[bittorrent.InfoHash]struct{}, len(hexHashes))
	for _, h := range hexHashes {
		ih, err := bittorrent.NewInfoHashFromHex(h)
		if err != nil {
			return nil, err
		}
		set[ih] = struct{}{}
	}
	return set, nil
}

// Approved implements Container.
func (l *list) Approved(ih bittorrent.InfoHash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.whitelist) > 0 {
		_, ok := l.whitelist[ih]
		return ok
	}
	_, blocked := l.blacklist[ih]
	return !blocked
}

// Reload atomically replaces the list's contents, letting an operator
// refresh the allow/deny set (e.g. from a periodically re-read file)
// without restarting the process.
func (l *list) Reload(whitelist, blacklist []bittorrent.InfoHash) {
	wl := make(map[bittorrent.InfoHash]struct{}, len(whitelist))
	for _, ih := range whitelist {
		wl[ih] = struct{}{}
	}
	bl := make(map[bittorrent.InfoHash]struct{}, len(blacklist))
	for _, ih := range blacklist {
		bl[ih] = struct{}{}
	}

	l.mu.Lock()
	l.whitelist, l.blacklist = wl, bl
	l.mu.Unlock()
}
