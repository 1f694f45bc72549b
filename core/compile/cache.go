package compile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache reuses compiled views while the view, portfolio and registry are
// unchanged and the compilation is still valid. Concurrent requests for the
// same key share one compilation. Only the newest compilation of each view and
// portfolio pair is retained.
type Cache struct {
	compiler *Compiler
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]cached
}

type cached struct {
	view  *CompiledView
	err   error
	owner string
}

// NewCache creates a compilation cache
func NewCache(compiler *Compiler) *Cache {
	return &Cache{
		compiler: compiler,
		entries:  make(map[string]cached),
	}
}

// owner identifies the view and portfolio pair a compilation belongs to
func owner(portfolio *Portfolio, view *ViewDefinition) string {
	pid := ""
	if portfolio != nil {
		pid = portfolio.ID.String()
	}
	return view.Name + "|" + pid
}

func (c *Cache) key(portfolio *Portfolio, view *ViewDefinition) string {
	pv := ""
	if portfolio != nil {
		pv = portfolio.Version
	}
	return fmt.Sprintf("%s|%s|%s|%d", owner(portfolio, view), view.Version, pv, c.compiler.Registry().Version())
}

// Get returns a valid compiled view for at, compiling when needed
func (c *Cache) Get(ctx context.Context, portfolio *Portfolio, view *ViewDefinition, at time.Time) (*CompiledView, error) {
	key := c.key(portfolio, view)

	if entry, ok := c.lookup(key, at); ok {
		return entry.view, entry.err
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A compilation may have completed since the lookup above
		if entry, ok := c.lookup(key, at); ok {
			return entry.view, entry.err
		}
		cv, err := c.compiler.Compile(ctx, portfolio, view, at)
		if cv != nil {
			c.store(key, cached{view: cv, err: err, owner: owner(portfolio, view)})
		}
		return cv, err
	})
	cv, _ := v.(*CompiledView)
	return cv, err
}

// store records a compilation and evicts older compilations of the same view
// and portfolio
func (c *Cache) store(key string, entry cached) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k != key && e.owner == entry.owner {
			delete(c.entries, k)
		}
	}
	c.entries[key] = entry
}

func (c *Cache) lookup(key string, at time.Time) (cached, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || entry.view == nil || !entry.view.IsValidAt(at) {
		return cached{}, false
	}
	return entry, true
}

// Invalidate drops cached compilations of a view
func (c *Cache) Invalidate(viewName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.view != nil && entry.view.View.Name == viewName {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached compilations
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Compiler returns the underlying compiler
func (c *Cache) Compiler() *Compiler { return c.compiler }
