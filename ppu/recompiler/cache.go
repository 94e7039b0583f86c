package recompiler

import (
	"errors"
	"sync"

	"github.com/colorfulnotion/ppurec/ppu/guest"
)

// cacheEntry exclusively owns its unit's module.
type cacheEntry struct {
	exec       guest.Executable
	unit       *Unit
	generation uint64
}

// Cache is the compiled code cache read by every dispatcher. The engine
// worker is the only writer. Every publish appends a new generation for the
// address; older generations stay callable until the cache is closed.
type Cache struct {
	mu        sync.RWMutex
	functions map[uint32][]*cacheEntry
	blocks    map[uint32][]*cacheEntry

	excluded func(id uint64) bool
	closed   bool
}

// NewCache returns a cache hiding the generations excluded reports. A nil
// excluded hides nothing.
func NewCache(excluded func(id uint64) bool) *Cache {
	return &Cache{
		functions: map[uint32][]*cacheEntry{},
		blocks:    map[uint32][]*cacheEntry{},
		excluded:  excluded,
	}
}

// Publish makes a fully generated unit visible under generation id.
func (c *Cache) Publish(u *Unit, id uint64) {
	e := &cacheEntry{exec: u.Executable(), unit: u, generation: id}
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Function {
		c.functions[u.Start] = append(c.functions[u.Start], e)
	} else {
		c.blocks[u.Start] = append(c.blocks[u.Start], e)
	}
}

func (c *Cache) lookup(m map[uint32][]*cacheEntry, addr uint32) guest.Executable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gens := m[addr]
	for i := len(gens) - 1; i >= 0; i-- {
		if c.excluded == nil || !c.excluded(gens[i].generation) {
			return gens[i].exec
		}
	}
	return nil
}

// Function returns the newest visible whole-function code for addr, or nil.
func (c *Cache) Function(addr uint32) guest.Executable { return c.lookup(c.functions, addr) }

// Block returns the newest visible block code for addr, or nil.
func (c *Cache) Block(addr uint32) guest.Executable { return c.lookup(c.blocks, addr) }

// Generations lists the generation ids published for addr, oldest first.
func (c *Cache) Generations(addr uint32) []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []uint64
	for _, e := range c.functions[addr] {
		out = append(out, e.generation)
	}
	for _, e := range c.blocks[addr] {
		out = append(out, e.generation)
	}
	return out
}

// Len counts the published units.
func (c *Cache) Len() (functions, blocks int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, g := range c.functions {
		functions += len(g)
	}
	for _, g := range c.blocks {
		blocks += len(g)
	}
	return functions, blocks
}

// Close releases every module. Lookups afterwards find nothing.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for _, m := range []map[uint32][]*cacheEntry{c.functions, c.blocks} {
		for addr, gens := range m {
			for _, e := range gens {
				errs = append(errs, e.unit.Module.Close())
			}
			delete(m, addr)
		}
	}
	return errors.Join(errs...)
}
