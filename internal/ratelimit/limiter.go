// Package ratelimit caps how many store-backed requests one client may make
// per fixed window, so HTTP traffic cannot exhaust the bucket's request rate.
package ratelimit

import (
	"sync"
	"time"
)

// Class groups routes by the store work they trigger.
type Class string

const (
	// ClassList covers routes that page through a listing.
	ClassList Class = "list"
	// ClassRead covers single-object downloads.
	ClassRead Class = "read"
	// ClassAdmin covers bulk delete and copy.
	ClassAdmin Class = "admin"
)

type Config struct {
	Window time.Duration
	// Limits per client and window; zero or missing means unlimited.
	Limits map[Class]int
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   int64
	ResetIn   int64
}

type key struct {
	class  Class
	client string
}

type window struct {
	start int64
	count int
}

type Limiter struct {
	limits  map[Class]int
	windowS int64

	mu      sync.Mutex
	entries map[key]window
}

func New(cfg Config) *Limiter {
	if cfg.Window < time.Second {
		cfg.Window = time.Minute
	}
	limits := make(map[Class]int, len(cfg.Limits))
	for c, n := range cfg.Limits {
		limits[c] = n
	}
	return &Limiter{
		limits:  limits,
		windowS: int64(cfg.Window / time.Second),
		entries: make(map[key]window, 1024),
	}
}

// Take counts one request of class for client at now.
func (l *Limiter) Take(now time.Time, class Class, client string) Result {
	unixNow := now.Unix()
	limit := l.limits[class]
	if limit <= 0 {
		return Result{Allowed: true, ResetAt: unixNow}
	}

	start := unixNow / l.windowS * l.windowS
	resetAt := start + l.windowS
	k := key{class: class, client: client}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.entries[k]
	if !ok || w.start != start {
		w = window{start: start}
	}
	allowed := w.count < limit
	if allowed {
		w.count++
	}
	l.entries[k] = w

	if len(l.entries) > 50000 {
		l.evictBefore(start)
	}
	return Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-w.count, 0),
		ResetAt:   resetAt,
		ResetIn:   max(resetAt-unixNow, 0),
	}
}

func (l *Limiter) evictBefore(start int64) {
	for k, w := range l.entries {
		if w.start < start {
			delete(l.entries, k)
		}
	}
}
