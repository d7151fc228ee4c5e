// Package container defines the pluggable Container abstraction the
// torrentapproval hook consults, plus the registry container builders
// (list, postgres) register themselves under.
package container

import (
	"errors"
	"sync"

	"github.com/torshare/torshare-tracker/bittorrent"
	"github.com/torshare/torshare-tracker/pkg/conf"
	"github.com/torshare/torshare-tracker/storage"
)

// Builder constructs and configures a specific Container implementation.
// store is the tracker's peer storage, available to any container that
// wants to keep its own state there (none of the built-in containers do,
// but the signature mirrors storage.Builder and frontend.Builder for
// consistency across the module's pluggable-component registries).
type Builder func(conf.MapConfig, storage.Storage) (Container, error)

var (
	buildersMu sync.Mutex
	builders   = make(map[string]Builder)
)

// ErrContainerDoesNotExist is returned by GetContainer for an unregistered
// name.
var ErrContainerDoesNotExist = errors.New("torrentapproval: container with that name does not exist")

// Register registers a Builder under name so it can be selected from the
// torrentapproval hook's configuration.
func Register(name string, b Builder) {
	if name == "" {
		panic("torrentapproval: could not register a Container with an empty name")
	}
	if b == nil {
		panic("torrentapproval: could not register a Container with a nil builder")
	}

	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[name] = b
}

// Container decides whether a given infohash is approved for use. Approved
// infohashes may be announced and scraped; unapproved ones are rejected
// with torrentapproval.ErrTorrentUnapproved before the store is touched.
type Container interface {
	Approved(bittorrent.InfoHash) bool
}

// GetContainer builds the named Container from cfg.
func GetContainer(name string, cfg conf.MapConfig, store storage.Storage) (Container, error) {
	buildersMu.Lock()
	b, ok := builders[name]
	buildersMu.Unlock()
	if !ok {
		return nil, ErrContainerDoesNotExist
	}
	return b(cfg, store)
}
