// Package ipabuse implements a Check that rejects account sharing: a user
// announcing from too many IPs, or an IP shared by too many users, within a
// trailing window.
package ipabuse

import (
	"context"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "ip abuse"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(stores storage.Stores) (middleware.Check, error) {
	return NewCheck(stores.Peers), nil
}

// Rejection reasons of this check.
const (
	ReasonTooManyIPs   = "IP abuse detected: too many IPs for user."
	ReasonTooManyUsers = "IP abuse detected: too many users for IP."
)

type check struct {
	peers storage.PeerRecordStore
}

// NewCheck returns an IP abuse check counting the announce log of peers.
func NewCheck(peers storage.PeerRecordStore) middleware.Check {
	return &check{peers: peers}
}

func (c *check) Name() string { return Name }

func (c *check) Enabled(cfg *config.TrackerConfig) bool {
	return cfg.EnableIPAbuseCheck
}

// distinctWith returns the number of distinct values once v is added to
// seen. An empty v is not counted.
func distinctWith(seen []string, v string) int {
	if v == "" {
		return len(seen)
	}
	for _, s := range seen {
		if s == v {
			return len(seen)
		}
	}
	return len(seen) + 1
}

// Check counts the announce being checked as if it were already logged, so
// that the announce introducing one IP or user too many is the one rejected.
func (c *check) Check(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	since := p.Timestamp.Add(-cfg.IPAbuseWindow)

	if p.UserID != "" {
		ips, err := c.peers.DistinctIPsForUser(ctx, p.UserID, since)
		if err != nil {
			return middleware.Decision{}, err
		}
		if distinctWith(ips, p.IP) > cfg.MaxIPsPerUser {
			return middleware.Reject(ReasonTooManyIPs), nil
		}
	}

	if p.IP != "" {
		users, err := c.peers.DistinctUsersForIP(ctx, p.IP, since)
		if err != nil {
			return middleware.Decision{}, err
		}
		if distinctWith(users, p.UserID) > cfg.MaxUsersPerIP {
			return middleware.Reject(ReasonTooManyUsers), nil
		}
	}

	return middleware.Accept, nil
}
