// Package dedup keeps bounded per-category recency sets of event keys.
package dedup

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/elliotchance/orderedmap/v3"
	"go.uber.org/zap"
)

// Categories used by the event router.
const (
	CategoryMessage        = "message"
	CategoryApprovalReply  = "approval_reply"
	CategoryApproveRequest = "approve_request"
)

const (
	DefaultCapacity     = 500
	DefaultRetain       = 250
	DefaultTrimInterval = 2 * time.Minute
)

// Options configures a Cache. Zero values use the defaults.
type Options struct {
	Capacity int
	Retain   int
	// OnSuppress is called, outside the lock, for every duplicate hit.
	OnSuppress func(category string)
	Logger     *zap.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	retain   int
	sets     map[string]*orderedmap.OrderedMap[string, time.Time]

	onSuppress func(string)
	logger     *zap.Logger
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Retain <= 0 || opts.Retain > opts.Capacity {
		opts.Retain = opts.Capacity / 2
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		capacity:   opts.Capacity,
		retain:     opts.Retain,
		sets:       make(map[string]*orderedmap.OrderedMap[string, time.Time]),
		onSuppress: opts.OnSuppress,
		logger:     opts.Logger,
	}
}

// Seen reports whether key was already recorded in category. A new key is
// recorded before returning false, so the first caller wins.
func (c *Cache) Seen(category, key string) bool {
	c.mu.Lock()
	set, ok := c.sets[category]
	if !ok {
		set = orderedmap.NewOrderedMap[string, time.Time]()
		c.sets[category] = set
	}
	if _, dup := set.Get(key); dup {
		c.mu.Unlock()
		if c.onSuppress != nil {
			c.onSuppress(category)
		}
		return true
	}
	set.Set(key, time.Now())
	if set.Len() > c.capacity {
		c.trimLocked(set)
	}
	c.mu.Unlock()
	return false
}

// Forget drops key from category so a redelivery is processed again.
func (c *Cache) Forget(category, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.sets[category]; ok {
		set.Delete(key)
	}
}

// Len returns the number of keys held for category.
func (c *Cache) Len(category string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.sets[category]; ok {
		return set.Len()
	}
	return 0
}

// Trim cuts every category above capacity down to its most recent entries
// and returns how many keys were evicted.
func (c *Cache) Trim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for _, set := range c.sets {
		if set.Len() > c.capacity {
			evicted += c.trimLocked(set)
		}
	}
	return evicted
}

// Reset forgets every key.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.sets = make(map[string]*orderedmap.OrderedMap[string, time.Time])
	c.mu.Unlock()
}

func (c *Cache) trimLocked(set *orderedmap.OrderedMap[string, time.Time]) int {
	excess := set.Len() - c.retain
	if excess <= 0 {
		return 0
	}
	stale := make([]string, 0, excess)
	for el := set.Front(); el != nil && len(stale) < excess; el = el.Next() {
		stale = append(stale, el.Key)
	}
	for _, k := range stale {
		set.Delete(k)
	}
	return len(stale)
}

// Start trims on every tick of interval until ctx is done.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTrimInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Trim(); n > 0 {
					c.logger.Debug("dedup trimmed", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// Fingerprint hashes parts into a short stable key component.
func Fingerprint(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
