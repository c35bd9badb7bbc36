// Package imagecache implements the process-wide, thread-safe interning
// of ELF Objects by canonical path (and by build-id, to short-circuit
// separate-debug-file lookup), using a sync.Once-per-key single-flight
// guard rather than an external singleflight package — a lazy cache,
// first-touch serialized, read-only afterward. Only the build-id index is
// bounded (with hashicorp/golang-lru); the by-path map is not bounded and
// keeps every Object it opened for the Cache's lifetime.
package imagecache

import (
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/devnexen/pstack/elfobj"
	"github.com/devnexen/pstack/internal/logflags"
)

const defaultCapacity = 256

type entry struct {
	once sync.Once
	obj  *elfobj.Object
	err  error
}

// Cache interns elfobj.Objects by canonical path. The zero value is not
// usable; construct with New.
type Cache struct {
	mu         sync.Mutex
	byPath     map[string]*entry
	byBuildID  *lru.Cache // raw build-id bytes (as string) -> *elfobj.Object
}

// New creates an empty Cache with room for roughly capacity build-id
// index entries. capacity <= 0 selects a default.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	bid, _ := lru.New(capacity)
	return &Cache{
		byPath:    make(map[string]*entry),
		byBuildID: bid,
	}
}

// Get returns the parsed Object for path, parsing it at most once even
// under concurrent calls for the same canonical path (single-flight).
func (c *Cache) Get(path string) (*elfobj.Object, error) {
	canon, err := filepath.Abs(path)
	if err != nil {
		canon = path
	}

	c.mu.Lock()
	e, ok := c.byPath[canon]
	if !ok {
		e = &entry{}
		c.byPath[canon] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		if logflags.Cache() {
			logflags.CacheLogger().WithField("path", canon).Debug("parsing object")
		}
		e.obj, e.err = elfobj.Open(canon)
		if e.err == nil {
			if bid := e.obj.BuildID(); len(bid) > 0 {
				c.byBuildID.Add(string(bid), e.obj)
			}
		}
	})
	return e.obj, e.err
}

// GetByBuildID returns a previously cached Object whose build-id matches
// id, short-circuiting a debug-file path search, and true if found.
func (c *Cache) GetByBuildID(id []byte) (*elfobj.Object, bool) {
	v, ok := c.byBuildID.Get(string(id))
	if !ok {
		return nil, false
	}
	return v.(*elfobj.Object), true
}
