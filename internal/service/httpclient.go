// Package service is the bounded-concurrency HTTPS fetcher (HF) shared by
// every Checker and Executor: a global cap, a per-host cap, a streaming
// download with a progress sink, and a short-TTL in-memory response cache,
// grounded on the teacher's service.HTTPClient/DownloadToFile.
package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"
)

// HTTPClient is the minimal surface Fetcher needs, so tests can substitute a
// stub (teacher precedent: service.HTTPClient in httpclient.go).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient wraps *http.Client to satisfy HTTPClient.
type DefaultHTTPClient struct{ *http.Client }

// NewHTTPClient builds a DefaultHTTPClient with the given per-request timeout.
func NewHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	return &DefaultHTTPClient{Client: &http.Client{Timeout: timeout}}
}

// ProgressFunc is invoked periodically during DownloadToFile with bytes
// copied so far and (if known) the total content length.
type ProgressFunc func(copied, total int64)

// Fetcher is the HF component: a global semaphore caps total in-flight
// requests (spec §5, default 8); a per-host semaphore caps requests to any
// one origin (default 4), so one slow vendor cannot starve the others.
type Fetcher struct {
	client HTTPClient

	global *semaphore.Weighted

	mu      sync.Mutex
	perHost map[string]*semaphore.Weighted
	hostCap int64

	cache cache
}

// NewFetcher builds a Fetcher with the given global/per-host caps.
func NewFetcher(client HTTPClient, globalCap, perHostCap int64, cacheTTL time.Duration) *Fetcher {
	return &Fetcher{
		client:  client,
		global:  semaphore.NewWeighted(globalCap),
		perHost: make(map[string]*semaphore.Weighted),
		hostCap: perHostCap,
		cache:   newCache(cacheTTL),
	}
}

func (f *Fetcher) hostSem(host string) *semaphore.Weighted {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.perHost[host]
	if !ok {
		s = semaphore.NewWeighted(f.hostCap)
		f.perHost[host] = s
	}
	return s
}

// acquire blocks for both the global and per-host slot, releasing both in
// the returned func regardless of which acquire failed.
func (f *Fetcher) acquire(ctx context.Context, host string) (func(), error) {
	if err := f.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	hs := f.hostSem(host)
	if err := hs.Acquire(ctx, 1); err != nil {
		f.global.Release(1)
		return nil, err
	}
	return func() {
		hs.Release(1)
		f.global.Release(1)
	}, nil
}

// Do performs a bounded-concurrency HTTP round trip. Responses to GET
// requests are served from the TTL cache when fresh (teacher precedent:
// brew.readCache's on-disk TTL, generalized to an in-memory sync.Map).
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	if req.Method == "" || req.Method == http.MethodGet {
		if resp, ok := f.cache.get(req.URL.String()); ok {
			return resp, nil
		}
	}

	host := req.URL.Hostname()
	release, err := f.acquire(req.Context(), host)
	if err != nil {
		return nil, fmt.Errorf("acquire fetch slot for %s: %w", host, err)
	}
	defer release()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	if req.Method == "" || req.Method == http.MethodGet {
		f.cache.put(req.URL.String(), resp)
	}
	return resp, nil
}

// Get issues a bounded GET for rawURL.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	return f.Do(req)
}

// DownloadToFile streams rawURL to dst through the Fetcher's bounded
// concurrency, reporting progress via onProgress (may be nil) and capping
// the copy at maxSize bytes when maxSize > 0. Downloads bypass the response
// cache, and the global and per-host slots are held until the copy ends.
func (f *Fetcher) DownloadToFile(ctx context.Context, rawURL, dst string, maxSize int64, onProgress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := req.URL.Hostname()
	release, err := f.acquire(ctx, host)
	if err != nil {
		return fmt.Errorf("acquire fetch slot for %s: %w", host, err)
	}
	defer release()

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, rawURL)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	var src io.Reader = resp.Body
	if maxSize > 0 {
		src = io.LimitReader(resp.Body, maxSize)
	}

	if _, err := copyWithProgress(out, src, resp.ContentLength, onProgress); err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	return nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	if onProgress == nil {
		return io.Copy(dst, src)
	}
	buf := make([]byte, 32*1024)
	var copied int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			copied += int64(wn)
			onProgress(copied, total)
			if werr != nil {
				return copied, werr
			}
		}
		if rerr == io.EOF {
			return copied, nil
		}
		if rerr != nil {
			return copied, rerr
		}
	}
}

// FormatBytes renders a byte count for logs and CLI output (e.g. "12 MB"),
// replacing the teacher's hand-rolled utils.HumanSize.
func FormatBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
