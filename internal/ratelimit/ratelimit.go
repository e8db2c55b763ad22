// Package ratelimit provides token buckets for peers and request sources.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Denied frames beyond this count end the peer's session.
const MaxViolations = 1000

type Limiter struct {
	bucket     *rate.Limiter
	mu         sync.Mutex
	violations int
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow takes one token. A denial is counted as a violation.
func (l *Limiter) Allow() bool {
	if l.bucket.Allow() {
		return true
	}
	l.mu.Lock()
	l.violations++
	l.mu.Unlock()
	return false
}

func (l *Limiter) Violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

// Exhausted reports whether the limiter has been denied too often to keep
// serving its owner.
func (l *Limiter) Exhausted() bool {
	return l.Violations() > MaxViolations
}

// Pool hands out one Limiter per key, e.g. per remote address.
type Pool struct {
	limiters        map[string]*Limiter
	perSecond       float64
	burst           int
	mu              sync.RWMutex
	cleanupInterval time.Duration
	maxKeys         int
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewPool(perSecond float64, burst int) *Pool {
	p := &Pool{
		limiters:        make(map[string]*Limiter),
		perSecond:       perSecond,
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxKeys:         10000,
		stop:            make(chan struct{}),
	}
	go p.cleanup()
	return p
}

func (p *Pool) Get(key string) *Limiter {
	p.mu.RLock()
	limiter, ok := p.limiters[key]
	p.mu.RUnlock()

	if ok {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, ok := p.limiters[key]; ok {
		return limiter
	}

	limiter = NewLimiter(p.perSecond, p.burst)
	p.limiters[key] = limiter
	return limiter
}

func (p *Pool) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, key)
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.limiters)
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) cleanup() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if len(p.limiters) > p.maxKeys {
				p.limiters = make(map[string]*Limiter)
			}
			p.mu.Unlock()
		}
	}
}
