// Package ghostleech implements a Check that rejects users who downloaded a
// torrent without ever uploading any of it.
package ghostleech

import (
	"context"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "ghost leeching"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(stores storage.Stores) (middleware.Check, error) {
	return NewCheck(stores.Peers), nil
}

// Reason is the rejection reason of this check.
const Reason = "Ghost leeching detected: downloaded without uploading."

type check struct {
	peers storage.PeerRecordStore
}

// NewCheck returns a ghost leeching check reading the history in peers.
func NewCheck(peers storage.PeerRecordStore) middleware.Check {
	return &check{peers: peers}
}

func (c *check) Name() string { return Name }

func (c *check) Enabled(cfg *config.TrackerConfig) bool {
	return cfg.EnableGhostLeechingCheck
}

// Check rejects when some record of the user for the torrent downloaded and
// none uploaded.
func (c *check) Check(ctx context.Context, _ *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	if p.UserID == "" || p.TorrentID == "" {
		return middleware.Accept, nil
	}

	h, err := c.peers.TransferHistory(ctx, p.UserID, p.TorrentID)
	if err != nil {
		return middleware.Decision{}, err
	}

	if h.AnyDownloaded && !h.AnyUploaded {
		return middleware.Reject(Reason), nil
	}
	return middleware.Accept, nil
}
