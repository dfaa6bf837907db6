// Package ratelimit spaces requests to the same host (or to all hosts) by a jittered politeness delay.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// Scope selects how requests are grouped.
type Scope string

// Supported scopes.
const (
	ScopeHost   Scope = "host"
	ScopeGlobal Scope = "global"
)

const globalKey = "*"

// Config holds politeness settings.
type Config struct {
	Scope    Scope
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Limiter implements crawler.Limiter. Each key gets a token bucket refilling once
// per MinDelay with burst 1, so consecutive requests are at least MinDelay apart.
// Callers also sleep a random extra in [0, MaxDelay-MinDelay) before queuing.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	jitter   func(time.Duration) time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.Scope == "" {
		cfg.Scope = ScopeHost
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Limiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		jitter:   randomDuration,
	}
}

func (l *Limiter) key(url string) string {
	if l.cfg.Scope == ScopeGlobal {
		return globalKey
	}
	return crawler.HostOf(url)
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limit := rate.Inf
		if l.cfg.MinDelay > 0 {
			limit = rate.Every(l.cfg.MinDelay)
		}
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[key] = limiter
	}
	return limiter
}

// Wait blocks until url may be requested or ctx is done.
func (l *Limiter) Wait(ctx context.Context, url string) error {
	key := l.key(url)
	limiter := l.limiterFor(key)
	start := time.Now()

	if spread := l.cfg.MaxDelay - l.cfg.MinDelay; spread > 0 {
		timer := time.NewTimer(l.jitter(spread))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("politeness wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("politeness wait: %w", ctx.Err())
		}
		// The slot lies past the deadline; rate reports that before ctx expires.
		return fmt.Errorf("politeness wait: %v: %w", err, context.DeadlineExceeded)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessDelay(key, waited)
	}
	return nil
}

// randomDuration returns a uniform duration in [0, upper).
func randomDuration(upper time.Duration) time.Duration {
	if upper <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return upper / 2
	}
	return time.Duration(binary.LittleEndian.Uint64(buf[:]) % uint64(upper))
}
