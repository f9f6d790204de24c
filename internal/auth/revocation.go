package auth

import (
	"sync"
	"time"
)

// RevocationList is the token deny-list. Entries expire with the token
// they revoke. Implementations must be safe for concurrent use.
type RevocationList interface {
	Revoke(key string, until time.Time)
	IsRevoked(key string) bool
}

// MemoryRevocationList is an in-process revocation list with lazy expiry.
type MemoryRevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time

	now func() time.Time
}

// NewMemoryRevocationList creates a new in-memory revocation list.
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke implements RevocationList.
func (l *MemoryRevocationList) Revoke(key string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[key] = until

	if len(l.entries) > 10000 {
		now := l.now()
		for k, exp := range l.entries {
			if !now.Before(exp) {
				delete(l.entries, k)
			}
		}
	}
}

// IsRevoked implements RevocationList.
func (l *MemoryRevocationList) IsRevoked(key string) bool {
	l.mu.RLock()
	until, ok := l.entries[key]
	l.mu.RUnlock()

	return ok && l.now().Before(until)
}
