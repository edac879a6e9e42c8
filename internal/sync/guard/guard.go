// Package guard serializes work per account. A scheduled sync cycle and a
// credential repair submission for the same account must never overlap; both
// claim the account here before touching the portal.
package guard

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

// KeyedMutex hands out at most one claim per account at a time. Claims are
// non-blocking: a tick that finds the previous cycle still running skips the
// account instead of queueing behind it.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[snowflake.ID]struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[snowflake.ID]struct{})}
}

// TryClaim reports whether the account was free and claims it if so.
func (m *KeyedMutex) TryClaim(accountID snowflake.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[accountID]; busy {
		return false
	}
	m.held[accountID] = struct{}{}
	return true
}

// Release frees the account. Releasing an unclaimed account is a no-op.
func (m *KeyedMutex) Release(accountID snowflake.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, accountID)
}

// Held reports whether the account is currently claimed.
func (m *KeyedMutex) Held(accountID snowflake.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.held[accountID]
	return busy
}

var Module = fx.Module("sync.guard",
	fx.Provide(NewKeyedMutex),
)
