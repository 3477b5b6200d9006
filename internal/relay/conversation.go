package relay

import "sync"

// Conversation is the process-wide backend conversation handle. It starts
// empty, adopts the id of the first successful reply and keeps it until the
// backend stops recognising it.
type Conversation struct {
	mu sync.Mutex
	id string
}

func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Adopt stores id when no conversation is held yet.
func (c *Conversation) Adopt(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == "" {
		c.id = id
	}
}

// Reset forgets the held id so the next turn starts a new conversation.
func (c *Conversation) Reset() {
	c.mu.Lock()
	c.id = ""
	c.mu.Unlock()
}
