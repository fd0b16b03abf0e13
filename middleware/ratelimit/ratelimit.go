// Package ratelimit implements the stateful Check counting announces per
// user and locking a user out for a cooldown once over the limit.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "announce rate limit"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(stores storage.Stores) (middleware.Check, error) {
	return NewCheck(stores.RateLimits), nil
}

// ReasonFormat formats the rejection reason with the seconds left in the
// cooldown.
const ReasonFormat = "Rate limit exceeded. Try again in %d seconds."

// PolicyFromConfig returns the rate limit policy configured in cfg.
func PolicyFromConfig(cfg *config.TrackerConfig) storage.RateLimitPolicy {
	return storage.RateLimitPolicy{
		Limit:    cfg.AnnounceRateLimit,
		Window:   cfg.AnnounceRateWindow,
		Cooldown: cfg.AnnounceCooldown,
	}
}

type check struct {
	counters storage.RateLimitStore
}

// NewCheck returns a rate limit check keeping its counters in counters.
func NewCheck(counters storage.RateLimitStore) middleware.StatefulCheck {
	return &check{counters: counters}
}

func (c *check) Name() string { return Name }

// Stateful is always true: every announce reaching the check is counted.
func (c *check) Stateful() bool { return true }

func (c *check) Enabled(cfg *config.TrackerConfig) bool {
	return cfg.RateLimitEnabled()
}

func (c *check) Check(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	if p.UserID == "" {
		return middleware.Accept, nil
	}

	res, err := c.counters.ConsumeAnnounce(ctx, p.UserID, p.Timestamp, PolicyFromConfig(cfg))
	if err != nil {
		return middleware.Decision{}, err
	}
	if res.Allowed {
		return middleware.Accept, nil
	}

	log.Debug("ratelimit: user in cooldown", log.Fields{
		"userID":     p.UserID,
		"count":      res.Counter.AnnounceCount,
		"retryAfter": res.RetryAfter,
	})
	return middleware.RejectRetry(fmt.Sprintf(ReasonFormat, middleware.CeilSeconds(res.RetryAfter)), res.RetryAfter), nil
}
