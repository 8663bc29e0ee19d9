package ktx

import (
	"container/list"
	"context"
	"sync"
)

// DefaultCacheEntries 是图片缓存默认容量。
const DefaultCacheEntries = 256

// Cache 按快照文件路径缓存转换结果（LRU）。转换失败不缓存。
type Cache struct {
	next Transcoder
	max  int

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	path string
	png  []byte
}

func NewCache(next Transcoder, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &Cache{next: next, max: maxEntries, order: list.New(), items: map[string]*list.Element{}}
}

func (c *Cache) ToPNG(ctx context.Context, path string) ([]byte, error) {
	if png, ok := c.get(path); ok {
		return png, nil
	}
	png, err := c.next.ToPNG(ctx, path)
	if err != nil {
		return nil, err
	}
	c.put(path, png)
	return png, nil
}

// Len 返回当前缓存条目数。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[path]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).png, true
}

func (c *Cache) put(path string, png []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		el.Value.(*cacheEntry).png = png
		c.order.MoveToFront(el)
		return
	}
	c.items[path] = c.order.PushFront(&cacheEntry{path: path, png: png})
	for c.order.Len() > c.max {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(*cacheEntry).path)
	}
}
