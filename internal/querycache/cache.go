// Package querycache is a process-wide keyed cache of ledger reads.
//
// Readers register a fetch function per key; Get serves the cached value and
// only fetches on a miss. After a state-changing transaction confirms, the
// writer invalidates whole key namespaces by prefix so the next Get refetches.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotRegistered = errors.New("querycache: key not registered")
	ErrDuplicateKey  = errors.New("querycache: key already registered")
)

// FetchFunc loads the fresh value for one key.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	fetch FetchFunc
	val   any
	fresh bool
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

func (c *Cache) Register(key string, fetch FetchFunc) error {
	if strings.TrimSpace(key) == "" || fetch == nil {
		return fmt.Errorf("querycache: empty key or nil fetch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	c.entries[key] = &entry{fetch: fetch}
	return nil
}

// Get returns the cached value for key, fetching it first if the entry is
// missing or has been invalidated.
func (c *Cache) Get(ctx context.Context, key string) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	if e.fresh {
		val := e.val
		c.mu.Unlock()
		return val, nil
	}
	fetch := e.fetch
	c.mu.Unlock()

	val, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	e.val = val
	e.fresh = true
	c.mu.Unlock()
	return val, nil
}

// Invalidate marks every entry whose key starts with prefix as stale and
// returns how many entries were affected. Values are refetched lazily on the
// next Get.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, e := range c.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e.fresh {
			e.fresh = false
			e.val = nil
			n++
		}
	}
	return n
}

// Refetch eagerly reloads every entry whose key starts with prefix. The first
// fetch failure aborts and leaves the remaining entries stale.
func (c *Cache) Refetch(ctx context.Context, prefix string) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.Invalidate(key)
		if _, err := c.Get(ctx, key); err != nil {
			return fmt.Errorf("querycache: refetch %s: %w", key, err)
		}
	}
	return nil
}

// Key namespaces for pool reads.

func PositionKey(pool, account common.Address) string {
	return PositionPrefix(pool) + strings.ToLower(account.Hex())
}

func PositionPrefix(pool common.Address) string {
	return "position/" + strings.ToLower(pool.Hex()) + "/"
}

func AllowanceKey(token, owner common.Address) string {
	return AllowancePrefix(token) + strings.ToLower(owner.Hex())
}

func AllowancePrefix(token common.Address) string {
	return "allowance/" + strings.ToLower(token.Hex()) + "/"
}
