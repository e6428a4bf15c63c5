package sshtransport

import (
	"context"
	"log"
	"sync"
	"time"
)

// Pool caches transports keyed by endpoint so repeated sessions to the
// same host reuse a live connection. The pool holds at most maxEntries
// transports; when full it evicts the oldest dead entry, and if every
// entry is still alive it grows past the bound rather than force-closing
// a connection someone may be using.
type Pool struct {
	maxEntries     int
	connectTimeout time.Duration

	mu      sync.Mutex
	entries map[Endpoint]*poolEntry
}

type poolEntry struct {
	transport *Transport
	createdAt time.Time
}

// NewPool creates a Pool bounded to maxEntries transports.
func NewPool(maxEntries int, connectTimeout time.Duration) *Pool {
	if maxEntries <= 0 {
		maxEntries = 32
	}
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &Pool{
		maxEntries:     maxEntries,
		connectTimeout: connectTimeout,
		entries:        make(map[Endpoint]*poolEntry),
	}
}

// Acquire returns a live transport for the endpoint, reusing a cached one
// when its connection is still alive. A stale cached entry is discarded
// and replaced with a fresh connection transparently.
func (p *Pool) Acquire(ctx context.Context, endpoint Endpoint, creds Credentials) (*Transport, error) {
	p.mu.Lock()
	if e, ok := p.entries[endpoint]; ok {
		if e.transport.IsAlive() {
			p.mu.Unlock()
			return e.transport, nil
		}
		delete(p.entries, endpoint)
		stale := e.transport
		p.mu.Unlock()
		log.Printf("[ssh-pool] discarding dead transport for %s", endpoint)
		stale.Disconnect()
	} else {
		p.mu.Unlock()
	}

	// Connect outside the lock so one slow handshake does not stall
	// acquires for other endpoints.
	t, err := Connect(ctx, endpoint, creds, p.connectTimeout)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[endpoint]; ok && e.transport.IsAlive() {
		// Lost a race with a concurrent acquire; keep the cached entry.
		go t.Disconnect()
		return e.transport, nil
	}
	p.evictIfFull()
	p.entries[endpoint] = &poolEntry{transport: t, createdAt: time.Now()}
	return t, nil
}

// evictIfFull removes the oldest dead entry when the pool is at capacity.
// Live entries are never evicted. Caller must hold p.mu.
func (p *Pool) evictIfFull() {
	if len(p.entries) < p.maxEntries {
		return
	}
	var oldestKey Endpoint
	var oldest *poolEntry
	for k, e := range p.entries {
		if e.transport.IsAlive() {
			continue
		}
		if oldest == nil || e.createdAt.Before(oldest.createdAt) {
			oldestKey, oldest = k, e
		}
	}
	if oldest == nil {
		return
	}
	delete(p.entries, oldestKey)
	go oldest.transport.Disconnect()
	log.Printf("[ssh-pool] evicted dead transport for %s", oldestKey)
}

// Discard drops the cached transport for an endpoint, if any, and closes
// it. Used when a transport that passed the liveness check still failed
// in use.
func (p *Pool) Discard(endpoint Endpoint) {
	p.mu.Lock()
	e, ok := p.entries[endpoint]
	if ok {
		delete(p.entries, endpoint)
	}
	p.mu.Unlock()
	if ok {
		e.transport.Disconnect()
	}
}

// Size returns the number of cached transports.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close disconnects and removes every tracked transport. Only called at
// process shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[Endpoint]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.transport.Disconnect()
	}
}
