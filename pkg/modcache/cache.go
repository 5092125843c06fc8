// Package modcache keeps compiled WebAssembly modules keyed by the
// content hash of their raw binaries, so repeated invocations of the same
// artifact skip compilation.
package modcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"

	"github.com/nexus-labs/nexus/core/pkg/sandbox"
)

// DefaultCapacity bounds the number of cached artifacts when the
// configuration does not say otherwise.
const DefaultCapacity = 64

// Compiler turns raw module bytes into a compiled module under a memory
// class. *sandbox.Engine satisfies it.
type Compiler interface {
	Compile(ctx context.Context, class sandbox.MemoryClass, raw []byte) (wazero.CompiledModule, error)
	Resolve(class sandbox.MemoryClass) sandbox.MemoryClass
}

// entry holds the compiled instances of one artifact. Compiled modules are
// bound to the runtime of their memory class, so an artifact invoked under
// two classes compiles twice but stays one cache entry. refs counts
// outstanding leases; a removed entry with refs > 0 is doomed and closed
// by the last Release instead of at removal time.
type entry struct {
	hash     string
	perClass map[sandbox.MemoryClass]wazero.CompiledModule
	elem     *list.Element
	refs     int
	doomed   bool
}

// Lease is a borrowed compiled module. Callers must Release after the
// invocation finishes; until then eviction and Clear defer closing the
// underlying module, so a cached module handed out stays valid.
type Lease struct {
	Compiled wazero.CompiledModule
	Hit      bool

	cache *Cache
	entry *entry
	once  sync.Once
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil || l.cache == nil {
		return
	}
	l.once.Do(func() { l.cache.release(l.entry) })
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Entries      int    `json:"entries"`
	Capacity     int    `json:"capacity"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Compilations uint64 `json:"compilations"`
	Evictions    uint64 `json:"evictions"`
}

// Cache is a bounded LRU over compiled modules. Concurrent requests for
// the same hash and class share one compilation.
type Cache struct {
	compiler Compiler
	capacity int

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	group singleflight.Group

	hits         atomic.Uint64
	misses       atomic.Uint64
	compilations atomic.Uint64
	evictions    atomic.Uint64
}

// New builds a cache of at most capacity artifacts.
func New(compiler Compiler, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		compiler: compiler,
		capacity: capacity,
		entries:  make(map[string]*entry),
		lru:      list.New(),
	}
}

// GetOrCompile returns a lease on the compiled module for hash under
// class, compiling from load() on a miss. Lease.Hit reports a cache hit.
func (c *Cache) GetOrCompile(ctx context.Context, hash string, class sandbox.MemoryClass, load func() ([]byte, error)) (*Lease, error) {
	class = c.compiler.Resolve(class)

	if l := c.borrow(hash, class); l != nil {
		c.hits.Add(1)
		l.Hit = true
		return l, nil
	}
	c.misses.Add(1)

	key := fmt.Sprintf("%s/%d", hash, class)
	for {
		_, err, _ := c.group.Do(key, func() (any, error) {
			// Re-check under the lock: a racing caller may have finished.
			if c.contains(hash, class) {
				return nil, nil
			}
			raw, err := load()
			if err != nil {
				return nil, err
			}
			compiled, err := c.compiler.Compile(ctx, class, raw)
			if err != nil {
				return nil, err
			}
			c.compilations.Add(1)
			c.insert(hash, class, compiled)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		if l := c.borrow(hash, class); l != nil {
			return l, nil
		}
		// Evicted between the compile and the borrow; compile again.
	}
}

// borrow takes a lease if the module is cached. Does not touch counters.
func (c *Cache) borrow(hash string, class sandbox.MemoryClass) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return nil
	}
	compiled, ok := e.perClass[class]
	if !ok {
		return nil
	}
	c.lru.MoveToFront(e.elem)
	e.refs++
	return &Lease{Compiled: compiled, cache: c, entry: e}
}

func (c *Cache) contains(hash string, class sandbox.MemoryClass) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return false
	}
	_, ok = e.perClass[class]
	return ok
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.doomed && e.refs == 0 {
		closeEntry(e)
	}
}

func (c *Cache) insert(hash string, class sandbox.MemoryClass, compiled wazero.CompiledModule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hash]
	if !ok {
		e = &entry{hash: hash, perClass: make(map[sandbox.MemoryClass]wazero.CompiledModule)}
		e.elem = c.lru.PushFront(e)
		c.entries[hash] = e
	} else {
		c.lru.MoveToFront(e.elem)
	}
	e.perClass[class] = compiled

	for len(c.entries) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry))
		c.evictions.Add(1)
	}
}

// remove detaches the entry and closes it, or dooms it when leases are
// outstanding. Must be called with the lock held.
func (c *Cache) remove(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.hash)
	if e.refs > 0 {
		e.doomed = true
		return
	}
	closeEntry(e)
}

// closeEntry is called with the lock held, either at removal time or by
// the last Release of a doomed entry.
func closeEntry(e *entry) {
	ctx := context.Background()
	for _, compiled := range e.perClass {
		_ = compiled.Close(ctx)
	}
}

// Invalidate drops one artifact. Outstanding leases stay usable; the
// compiled instances are closed once the last one is released.
func (c *Cache) Invalidate(ctx context.Context, hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return false
	}
	c.remove(e)
	return true
}

// Clear empties the cache. Counters are preserved; leased modules remain
// valid until released.
func (c *Cache) Clear(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	for _, e := range c.entries {
		c.lru.Remove(e.elem)
		if e.refs > 0 {
			e.doomed = true
			continue
		}
		closeEntry(e)
	}
	c.entries = make(map[string]*entry)
	c.lru.Init()
	return n
}

// Stats reports current occupancy and lifetime counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Entries:      entries,
		Capacity:     c.capacity,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Compilations: c.compilations.Load(),
		Evictions:    c.evictions.Load(),
	}
}
