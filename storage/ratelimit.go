package storage

import (
	"fmt"
	"time"
)

// RateLimitPolicy parameterizes StepRateLimit.
type RateLimitPolicy struct {
	Limit    int
	Window   time.Duration
	Cooldown time.Duration
}

// RateLimitResult is the outcome of applying one announce to a counter.
type RateLimitResult struct {
	Allowed bool
	// RetryAfter is how long the user stays locked out when not Allowed.
	RetryAfter time.Duration
	Counter    RateLimitCounter
}

// CooldownReason is the reason recorded on a counter entering cooldown.
func CooldownReason(p RateLimitPolicy) string {
	return fmt.Sprintf("Exceeded %d announces within %s", p.Limit, p.Window)
}

// StepRateLimit applies one announce made at now to c and reports whether it
// is allowed and whether c changed and must be written back.
//
// found is false if the user has no counter yet. The transitions are:
//
//   - no counter: create it with a count of 1 and allow.
//   - cooldown in the future: reject with the remaining time; c is untouched.
//   - window expired: reset the count to 1, clear the cooldown and allow.
//   - count+1 over the limit: start a cooldown and reject.
//   - otherwise: increment the count and allow.
//
// A rejected announce never increments the count, so a user stays over the
// limit until the window expires and further attempts do not extend the
// cooldown.
func StepRateLimit(c *RateLimitCounter, found bool, now time.Time, p RateLimitPolicy) (res RateLimitResult, mutated bool) {
	switch {
	case !found:
		c.LastCheckedAt = now
		c.AnnounceCount = 1
		c.CooldownUntil = nil
		c.Reason = ""
		return RateLimitResult{Allowed: true, Counter: *c}, true

	case c.CooldownUntil != nil && c.CooldownUntil.After(now):
		return RateLimitResult{RetryAfter: c.CooldownUntil.Sub(now), Counter: *c}, false

	case now.Sub(c.LastCheckedAt) > p.Window:
		c.LastCheckedAt = now
		c.AnnounceCount = 1
		c.CooldownUntil = nil
		c.Reason = ""
		return RateLimitResult{Allowed: true, Counter: *c}, true

	case c.AnnounceCount+1 > p.Limit:
		c.CooldownUntil = TimePtr(now.Add(p.Cooldown))
		c.Reason = CooldownReason(p)
		return RateLimitResult{RetryAfter: p.Cooldown, Counter: *c}, true

	default:
		c.AnnounceCount++
		return RateLimitResult{Allowed: true, Counter: *c}, true
	}
}
