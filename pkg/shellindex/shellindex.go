// Package shellindex implements C4: a process-wide, write-through,
// never-authoritative map of shell id to shell descriptor. discover_shells
// populates it; discover_shell always re-fetches on demand regardless of
// what is cached here.
package shellindex

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/industrycore/dtr-discovery-engine/pkg/types"
)

var log = logging.Logger("shellindex")

// Backend is the optional shared persistence layer Put writes through to, so
// a shell descriptor survives process restarts or is visible across
// replicas. internal/redisstore.Store implements this.
type Backend = types.Cache[string, types.ShellDescriptor]

// Index is the concurrent shell descriptor map. With no Backend it behaves
// as a plain process-local cache.
type Index struct {
	mu      sync.RWMutex
	shells  map[string]types.ShellDescriptor
	backend Backend
}

// New constructs an empty, process-local Index.
func New() *Index {
	return &Index{shells: map[string]types.ShellDescriptor{}}
}

// NewWithBackend constructs an Index that write-throughs every Put to
// backend and falls back to it on a local Get miss.
func NewWithBackend(backend Backend) *Index {
	return &Index{shells: map[string]types.ShellDescriptor{}, backend: backend}
}

// Put populates the index for a shell id, overwriting any prior entry.
func (i *Index) Put(shellID string, descriptor types.ShellDescriptor) {
	i.mu.Lock()
	i.shells[shellID] = descriptor
	i.mu.Unlock()

	if i.backend == nil {
		return
	}
	if err := i.backend.Set(context.Background(), shellID, descriptor, true); err != nil {
		log.Warnf("write-through of shell %s to shared index failed: %s", shellID, err)
	}
}

// Get returns the cached descriptor for a shell id, checking the local map
// first and the shared backend second.
func (i *Index) Get(shellID string) (types.ShellDescriptor, bool) {
	i.mu.RLock()
	d, ok := i.shells[shellID]
	i.mu.RUnlock()
	if ok {
		return d, true
	}
	if i.backend == nil {
		return types.ShellDescriptor{}, false
	}

	d, err := i.backend.Get(context.Background(), shellID)
	if err != nil {
		return types.ShellDescriptor{}, false
	}
	i.mu.Lock()
	i.shells[shellID] = d
	i.mu.Unlock()
	return d, true
}

// Len reports the number of locally indexed shells, mainly for diagnostics.
// It does not reflect entries only present in the shared backend.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.shells)
}
