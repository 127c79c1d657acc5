// Package dedupe maps upstream event ids to incident ids so at-least-once
// event delivery yields exactly one incident per logical event.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Provider claims upstream event ids. Claim stores incidentID under eventID
// if the id is unseen and reports whether this call won the claim; a losing
// call gets the incident id recorded by the winner.
type Provider interface {
	Claim(ctx context.Context, eventID, incidentID string, ttl time.Duration) (won bool, existing string, err error)
	Close() error
}

// NoopProvider never deduplicates; every claim wins.
type NoopProvider struct{}

// Claim always reports a win.
func (NoopProvider) Claim(context.Context, string, string, time.Duration) (bool, string, error) {
	return true, "", nil
}

// Close is a no-op.
func (NoopProvider) Close() error { return nil }

// MemoryProvider keeps claims in process memory with TTL expiry. Suitable
// for single-instance deployments and tests.
type MemoryProvider struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	incidentID string
	expiresAt  time.Time
}

// NewMemoryProvider constructs an empty in-memory dedupe provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{entries: make(map[string]memoryEntry)}
}

// Claim wins when the event id is unseen or its previous claim expired.
func (p *MemoryProvider) Claim(_ context.Context, eventID, incidentID string, ttl time.Duration) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if entry, ok := p.entries[eventID]; ok && (entry.expiresAt.IsZero() || entry.expiresAt.After(now)) {
		return false, entry.incidentID, nil
	}

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	p.entries[eventID] = memoryEntry{incidentID: incidentID, expiresAt: expires}
	return true, "", nil
}

// Close is a no-op.
func (p *MemoryProvider) Close() error { return nil }
