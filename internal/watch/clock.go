// Package watch holds the shared watch-party playback clock. The server never
// ticks; late joiners extrapolate a live position from the stored reference
// position and instant. State is process-lifetime only.
package watch

import (
	"sync"
	"time"
)

// Status is the shared playback status.
type Status string

const (
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

// ActionPlay is the sync action that resumes playback; any other action
// pauses.
const ActionPlay = "play"

// State is a point-in-time view of the party clock. Position is already
// extrapolated for snapshots taken while playing.
type State struct {
	Active   bool    `json:"active"`
	Kind     string  `json:"kind"`
	Source   string  `json:"source"`
	Status   Status  `json:"status"`
	Position float64 `json:"position"`
}

// Clock is the singleton shared playback state.
type Clock struct {
	now func() time.Time

	mu          sync.Mutex
	active      bool
	kind        string
	source      string
	status      Status
	refPosition float64
	refInstant  time.Time
}

// NewClock constructs the party clock. A nil clock function defaults to
// time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, status: StatusPaused}
}

// Start activates a new party at position zero, playing.
func (c *Clock) Start(kind, source string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = true
	c.kind = kind
	c.source = source
	c.status = StatusPlaying
	c.refPosition = 0
	c.refInstant = c.now()
	return c.snapshotLocked()
}

// Sync records a controller update: play/pause plus a fresh reference
// position. Reports whether a party is active.
func (c *Clock) Sync(action string, position float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return false
	}
	if action == ActionPlay {
		c.status = StatusPlaying
	} else {
		c.status = StatusPaused
	}
	c.refPosition = position
	c.refInstant = c.now()
	return true
}

// Close deactivates the party and reports whether one was active.
func (c *Clock) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasActive := c.active
	c.active = false
	return wasActive
}

// Snapshot returns the current state with the position extrapolated when
// playing, and whether a party is active.
func (c *Clock) Snapshot() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return State{}, false
	}
	return c.snapshotLocked(), true
}

func (c *Clock) snapshotLocked() State {
	position := c.refPosition
	if c.status == StatusPlaying {
		position += c.now().Sub(c.refInstant).Seconds()
	}
	return State{
		Active:   c.active,
		Kind:     c.kind,
		Source:   c.source,
		Status:   c.status,
		Position: position,
	}
}
