// Package mediagroup buffers the parts of a platform media album until
// the sender has plausibly finished uploading, then delivers them as one
// batch. The platform sends album parts as separate updates with a shared
// group id and no terminator, so completion is inferred from silence.
package mediagroup

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/metrics"
	"github.com/gramshop/server/internal/storage"
)

// Part is one incoming album element.
type Part struct {
	Kind    storage.MediaKind
	FileID  string
	Caption string
}

// Batch is a completed group handed to the flush callback.
type Batch struct {
	UserID  int64
	GroupID string
	Parts   []Part
	Caption string // last non-empty caption seen across the group
}

// FlushFunc receives completed batches. It runs on the collector's timer
// goroutine and should hand off quickly.
type FlushFunc func(Batch)

type pending struct {
	parts   []Part
	seen    map[string]bool // file id dedupe, platform redelivers on retry
	caption string
	timer   *time.Timer
}

// Collector accumulates album parts per (user, group) and flushes each
// group after the configured quiet window. Every new part restarts the
// window.
type Collector struct {
	mu      sync.Mutex
	groups  map[groupKey]*pending
	window  time.Duration
	flush   FlushFunc
	log     zerolog.Logger
	metrics *metrics.Metrics
	closed  bool
}

type groupKey struct {
	userID  int64
	groupID string
}

// NewCollector builds a collector. window <= 0 falls back to 3.5s.
func NewCollector(window time.Duration, flush FlushFunc, log zerolog.Logger, m *metrics.Metrics) *Collector {
	if window <= 0 {
		window = 3500 * time.Millisecond
	}
	return &Collector{
		groups:  make(map[groupKey]*pending),
		window:  window,
		flush:   flush,
		log:     log.With().Str("component", "mediagroup").Logger(),
		metrics: m,
	}
}

// Add records one album part. A part with an empty group id has no album
// context and is flushed immediately as a single-element batch.
func (c *Collector) Add(userID int64, groupID string, part Part) {
	if groupID == "" {
		c.deliver(Batch{UserID: userID, Parts: []Part{part}, Caption: part.Caption})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	key := groupKey{userID, groupID}
	g, ok := c.groups[key]
	if !ok {
		g = &pending{seen: make(map[string]bool)}
		c.groups[key] = g
	}
	if g.seen[part.FileID] {
		// Redelivered part: restart the window but keep one copy.
		g.timer.Reset(c.window)
		c.mu.Unlock()
		return
	}
	g.seen[part.FileID] = true
	g.parts = append(g.parts, part)
	if part.Caption != "" {
		g.caption = part.Caption
	}
	if c.metrics != nil {
		c.metrics.MediaGroupParts.Inc()
	}
	if g.timer == nil {
		g.timer = time.AfterFunc(c.window, func() { c.fire(key) })
	} else {
		g.timer.Reset(c.window)
	}
	c.mu.Unlock()
}

// Cancel drops a user's in-flight groups without flushing, e.g. when
// the dialog that was collecting media is aborted.
func (c *Collector) Cancel(userID int64) {
	c.mu.Lock()
	for key, g := range c.groups {
		if key.userID != userID {
			continue
		}
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(c.groups, key)
	}
	c.mu.Unlock()
}

// Close stops all timers. Buffered groups are dropped.
func (c *Collector) Close() error {
	c.mu.Lock()
	c.closed = true
	for key, g := range c.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(c.groups, key)
	}
	c.mu.Unlock()
	return nil
}

func (c *Collector) fire(key groupKey) {
	c.mu.Lock()
	g, ok := c.groups[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.groups, key)
	c.mu.Unlock()

	c.deliver(Batch{
		UserID:  key.userID,
		GroupID: key.groupID,
		Parts:   g.parts,
		Caption: g.caption,
	})
}

func (c *Collector) deliver(b Batch) {
	if c.metrics != nil {
		c.metrics.MediaGroupsFlushed.Inc()
	}
	c.log.Debug().
		Int64("user_id", b.UserID).
		Str("group_id", b.GroupID).
		Int("parts", len(b.Parts)).
		Msg("media group flushed")
	if c.flush != nil {
		c.flush(b)
	}
}
