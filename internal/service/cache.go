package service

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"
)

// cache is an in-memory TTL'd response cache keyed by URL, generalizing the
// teacher's brew.readCache on-disk single-file TTL pattern to an arbitrary
// number of keys via sync.Map.
type cache struct {
	ttl     time.Duration
	entries sync.Map // string -> cacheEntry
}

type cacheEntry struct {
	status int
	header http.Header
	body   []byte
	stored time.Time
}

func newCache(ttl time.Duration) cache {
	return cache{ttl: ttl}
}

func (c *cache) get(key string) (*http.Response, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(cacheEntry)
	if time.Since(e.stored) > c.ttl {
		c.entries.Delete(key)
		return nil, false
	}
	return &http.Response{
		StatusCode: e.status,
		Header:     e.header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(e.body)),
	}, true
}

func (c *cache) put(key string, resp *http.Response) {
	if c.ttl <= 0 || resp.StatusCode != http.StatusOK {
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	c.entries.Store(key, cacheEntry{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		stored: time.Now(),
		body:   body,
	})
}
