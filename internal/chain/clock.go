package chain

import (
	"sync"
	"time"
)

// BlockClock turns a time source into chain block time: truncated to the
// chain's timestamp resolution and never moving backwards. Pin fixes the
// clock at a recorded block time while commands are replayed.
type BlockClock struct {
	mu         sync.Mutex
	source     func() time.Time
	resolution time.Duration
	last       time.Time
	pinned     time.Time
}

func NewBlockClock(source func() time.Time, resolution time.Duration) *BlockClock {
	if source == nil {
		source = time.Now
	}
	if resolution <= 0 {
		resolution = time.Second
	}
	return &BlockClock{source: source, resolution: resolution}
}

func (c *BlockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pinned.IsZero() {
		return c.pinned
	}
	t := c.source().UTC().Truncate(c.resolution)
	if t.Before(c.last) {
		return c.last
	}
	c.last = t
	return t
}

// Pin makes Now return t until Unpin.
func (c *BlockClock) Pin(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = t.UTC()
	if c.pinned.After(c.last) {
		c.last = c.pinned
	}
}

func (c *BlockClock) Unpin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = time.Time{}
}

// Pinned reports whether the clock is replaying a recorded block time.
func (c *BlockClock) Pinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.pinned.IsZero()
}

// ManualTime is an adjustable time source for tests and tools.
type ManualTime struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualTime(start time.Time) *ManualTime {
	return &ManualTime{now: start}
}

func (m *ManualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *ManualTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *ManualTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
