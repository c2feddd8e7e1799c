package ask

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache memoizes answers per (tenant, normalized question, k). The
// tenant is part of the key, never inferred, so entries cannot leak
// across tenants.
type Cache struct {
	inner *lru.Cache[string, *Answer]
}

// NewCache creates the answer cache with the given capacity.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 512
	}
	inner, err := lru.New[string, *Answer](size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// normalizeQuestion folds case and collapses whitespace so cosmetic
// variants of a question share an entry.
func normalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func cacheKey(tenant, question string, k int) string {
	return fmt.Sprintf("%s\x00%s\x00%d", tenant, normalizeQuestion(question), k)
}

// Get returns a cached answer, nil on miss.
func (c *Cache) Get(tenant, question string, k int) *Answer {
	if c == nil {
		return nil
	}
	if a, ok := c.inner.Get(cacheKey(tenant, question, k)); ok {
		return a
	}
	return nil
}

// Put stores an answer. Bailouts are not cached: new content should
// be able to answer the question on the next try.
func (c *Cache) Put(tenant, question string, k int, a *Answer) {
	if c == nil || a == nil || a.Bailout {
		return
	}
	c.inner.Add(cacheKey(tenant, question, k), a)
}

// Purge drops every entry, used after bulk ingestion.
func (c *Cache) Purge() {
	if c != nil {
		c.inner.Purge()
	}
}
