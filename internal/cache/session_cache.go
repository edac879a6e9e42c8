package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/portal"
)

const defaultSessionTTL = 15 * time.Minute

// SessionCache keeps signed-in portal sessions warm between sync cycles
// so back-to-back ticks reuse the cookie jar instead of logging in again.
// Per-account serialization means at most one holder uses a session at a
// time.
type SessionCache interface {
	Get(accountID snowflake.ID) (*portal.Session, bool)
	Put(accountID snowflake.ID, session *portal.Session)
	Drop(accountID snowflake.ID)
}

type sessionCache struct {
	sessions Cache[snowflake.ID, *portal.Session]
	ttl      time.Duration
}

// NewSessionCache returns an in-memory session cache. Entries expire
// after a quiet quarter hour; the portal would have dropped the session
// by then anyway.
func NewSessionCache() SessionCache {
	return &sessionCache{
		sessions: NewTTLCache[snowflake.ID, *portal.Session](),
		ttl:      defaultSessionTTL,
	}
}

func (c *sessionCache) Get(accountID snowflake.ID) (*portal.Session, bool) {
	return c.sessions.Get(accountID)
}

func (c *sessionCache) Put(accountID snowflake.ID, session *portal.Session) {
	if session == nil {
		return
	}
	c.sessions.Set(accountID, session, c.ttl)
}

// Drop evicts the account's session. Called when credentials change or
// the portal rejects the session outright.
func (c *sessionCache) Drop(accountID snowflake.ID) {
	c.sessions.Delete(accountID)
}
