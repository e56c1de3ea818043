// Package sessioncache holds mutable per-session state for fast access by
// token, shared by the realtime transport and the turn orchestrator.
package sessioncache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gigbridge/engine/internal/domain"
)

const janitorInterval = time.Minute

// Entry is the ephemeral mirror of one live session. Fields are owned by
// the transport (creation/teardown) and the orchestrator/timer (status and
// turn progress); all access goes through Cache methods.
type Entry struct {
	Token          string
	Mode           domain.Mode
	Status         domain.Status
	TurnIndex      int
	TotalTurns     int
	FollowupCount  int
	Questions      []domain.Question
	Duration       time.Duration
	VoiceEnabled   bool
	StartedAt      time.Time
	LastActivityAt time.Time
	PendingPartial string
	MicMuted       bool
	Messages       []domain.Message
}

type cacheItem struct {
	entry     *Entry
	expiresAt time.Time
}

// Cache is an in-memory session store whose entries self-expire. Every
// mutation refreshes the TTL, so an abandoned session disappears even if
// no explicit cleanup path runs.
type Cache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	ttl   time.Duration
	now   func() time.Time
	done  chan struct{}
}

// New creates a session cache and starts its background janitor.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		items: make(map[string]*cacheItem),
		ttl:   ttl,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Close stops the background janitor.
func (c *Cache) Close() {
	close(c.done)
}

// Create inserts the entry for a token, replacing any previous one.
func (c *Cache) Create(token string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.Token = token
	c.items[token] = &cacheItem{entry: entry, expiresAt: c.now().Add(c.ttl)}
}

// Get returns a copy of the entry for a token. The second return value
// reports presence; a missing token is a normal outcome, not an error.
func (c *Cache) Get(token string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.liveLocked(token)
	if !ok {
		return Entry{}, false
	}
	snapshot := *item.entry
	snapshot.Messages = append([]domain.Message(nil), item.entry.Messages...)
	snapshot.Questions = append([]domain.Question(nil), item.entry.Questions...)
	return snapshot, true
}

// Update applies fn to the entry under the cache lock and refreshes the
// TTL. Returns false if the token is absent.
func (c *Cache) Update(token string, fn func(*Entry)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.liveLocked(token)
	if !ok {
		return false
	}
	fn(item.entry)
	item.entry.LastActivityAt = c.now()
	item.expiresAt = c.now().Add(c.ttl)
	return true
}

// UpdateStatus sets the session status. Terminal states stick: once a
// session is terminal the status never changes again, which keeps racing
// termination paths idempotent.
func (c *Cache) UpdateStatus(token string, status domain.Status) bool {
	return c.Update(token, func(e *Entry) {
		if e.Status.Terminal() {
			return
		}
		e.Status = status
	})
}

// AppendMessage adds a message to the in-memory transcript mirror.
func (c *Cache) AppendMessage(token string, role domain.Role, content string) bool {
	return c.Update(token, func(e *Entry) {
		e.Messages = append(e.Messages, domain.Message{
			SessionToken: token,
			Role:         role,
			Content:      content,
			CreatedAt:    c.now(),
		})
	})
}

// UpdateLastMessage replaces the content of the most recent message with
// the given role (addition merge). Returns false if the token is absent or
// no such message exists.
func (c *Cache) UpdateLastMessage(token string, role domain.Role, newContent string) bool {
	merged := false
	ok := c.Update(token, func(e *Entry) {
		for i := len(e.Messages) - 1; i >= 0; i-- {
			if e.Messages[i].Role == role {
				e.Messages[i].Content = newContent
				merged = true
				return
			}
		}
	})
	return ok && merged
}

// Delete removes the entry for a token. Deleting an unknown token is a
// no-op.
func (c *Cache) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, token)
}

// liveLocked returns the item if present and not yet expired. An expired
// item is treated as absent; the janitor removes it later.
func (c *Cache) liveLocked(token string) (*cacheItem, bool) {
	item, ok := c.items[token]
	if !ok {
		return nil, false
	}
	if c.now().After(item.expiresAt) {
		return nil, false
	}
	return item, true
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			removed := 0
			for token, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, token)
					removed++
				}
			}
			c.mu.Unlock()
			if removed > 0 {
				slog.Debug("session cache janitor evicted entries", "count", removed)
			}
		}
	}
}
