// Package peerban implements a Check that rejects announces matching an
// active ban on the user, passkey, peer ID or IP.
package peerban

import (
	"context"
	"fmt"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "peer ban"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(stores storage.Stores) (middleware.Check, error) {
	return NewCheck(stores.Bans), nil
}

// ReasonFormat formats the rejection reason with the reason of the ban.
const ReasonFormat = "Banned: %s"

type check struct {
	bans storage.BanStore
}

// NewCheck returns a peer ban check looking bans up in bans.
func NewCheck(bans storage.BanStore) middleware.Check {
	return &check{bans: bans}
}

func (c *check) Name() string { return Name }

func (c *check) Enabled(cfg *config.TrackerConfig) bool {
	return cfg.EnablePeerBanCheck
}

func (c *check) Check(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	q := storage.BanQuery{
		UserID:  p.UserID,
		Passkey: p.Passkey,
		PeerID:  p.PeerID,
		IP:      p.IP,
	}
	if q.Empty() {
		return middleware.Accept, nil
	}

	ban, found, err := c.bans.ActiveBan(ctx, q, p.Timestamp)
	if err != nil {
		return middleware.Decision{}, err
	}
	if !found {
		return middleware.Accept, nil
	}

	return middleware.Reject(fmt.Sprintf(ReasonFormat, ban.Reason)), nil
}
