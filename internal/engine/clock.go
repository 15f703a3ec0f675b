package engine

import "depthbook/internal/domain"

// ClockGuard tracks the last committed UpdateToken per side. It is owned by the arbiter
// loop and written under the same lock as the snapshot it describes.
type ClockGuard struct {
	last [2]domain.UpdateToken
}

// Accept reports whether token may be applied on side: strictly newer slot, or the
// same slot with an equal or newer write version. It never changes state.
func (c *ClockGuard) Accept(side domain.Side, token domain.UpdateToken) bool {
	return token.Compare(c.last[side]) >= 0
}

// Advance records an accepted token.
func (c *ClockGuard) Advance(side domain.Side, token domain.UpdateToken) {
	c.last[side] = token
}

// Checkpoint resets side to token unconditionally, even if it moves backwards.
func (c *ClockGuard) Checkpoint(side domain.Side, token domain.UpdateToken) {
	c.last[side] = token
}

// Last returns the committed token for side.
func (c *ClockGuard) Last(side domain.Side) domain.UpdateToken {
	return c.last[side]
}

// Reset returns both sides to MinToken.
func (c *ClockGuard) Reset() {
	c.last = [2]domain.UpdateToken{domain.MinToken, domain.MinToken}
}
