// Package announcerate implements a Check that rejects a peer announcing
// again before the minimum announce interval has passed.
package announcerate

import (
	"context"
	"fmt"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "announce rate"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(stores storage.Stores) (middleware.Check, error) {
	return NewCheck(stores.Peers), nil
}

// ReasonFormat formats the rejection reason with the seconds left to wait.
const ReasonFormat = "Announcing too frequently. Please wait %d seconds."

type check struct {
	peers storage.PeerRecordStore
}

// NewCheck returns an announce rate check comparing against the last record
// of the announcing peer in peers.
func NewCheck(peers storage.PeerRecordStore) middleware.Check {
	return &check{peers: peers}
}

func (c *check) Name() string { return Name }

func (c *check) Enabled(cfg *config.TrackerConfig) bool {
	return cfg.EnableAnnounceRateCheck
}

// Check only looks at the last accepted announce of the peer.
func (c *check) Check(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	key := p.Key()
	if !key.Complete() {
		return middleware.Accept, nil
	}

	last, err := c.peers.PeerRecord(ctx, key)
	if err == storage.ErrResourceDoesNotExist {
		return middleware.Accept, nil
	} else if err != nil {
		return middleware.Decision{}, err
	}

	elapsed := p.Timestamp.Sub(last.LastAnnounceAt)
	if elapsed >= cfg.MinAnnounceInterval {
		return middleware.Accept, nil
	}

	wait := cfg.MinAnnounceInterval - elapsed
	return middleware.RejectRetry(fmt.Sprintf(ReasonFormat, middleware.CeilSeconds(wait)), wait), nil
}
