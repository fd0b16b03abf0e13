// Package invalidstats implements a Check that rejects transfer statistics
// that cannot be genuine: counters that go backwards, exceed what the
// torrent could produce, or jump too far between two announces.
package invalidstats

import (
	"context"
	"math"
	"math/bits"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "invalid stats"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(stores storage.Stores) (middleware.Check, error) {
	return NewCheck(stores.Peers), nil
}

// Rejection reasons of this check, in the order the sub-checks run.
//
// Counters are unsigned, so negative values are rejected when the request is
// decoded with bittorrent.ErrNegativeStats.
const (
	ReasonUploadedDecreased   = "Invalid stats: Uploaded decreased."
	ReasonDownloadedDecreased = "Invalid stats: Downloaded decreased."
	ReasonUploadedTooLarge    = "Invalid stats: Uploaded exceeds the allowed maximum."
	ReasonDownloadedTooLarge  = "Invalid stats: Downloaded exceeds the allowed maximum."
	ReasonLeftTooLarge        = "Invalid stats: Left exceeds the allowed maximum."
	ReasonUploadedJump        = "Invalid stats: Uploaded jump is too large."
	ReasonDownloadedJump      = "Invalid stats: Downloaded jump is too large."
	ReasonCompletedWithLeft   = "Invalid stats: Completed event must have left = 0."
)

type check struct {
	peers storage.PeerRecordStore
}

// NewCheck returns an invalid stats check comparing against the last record
// of the announcing peer in peers.
func NewCheck(peers storage.PeerRecordStore) middleware.Check {
	return &check{peers: peers}
}

func (c *check) Name() string { return Name }

func (c *check) Enabled(cfg *config.TrackerConfig) bool {
	return cfg.EnableInvalidStatsCheck
}

// MaxTransfer is the largest plausible counter for a torrent of size bytes:
// multiplier times size, saturating at math.MaxUint64.
func MaxTransfer(multiplier, size uint64) uint64 {
	hi, lo := bits.Mul64(multiplier, size)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// Check reports the first failing sub-check only. Sub-checks comparing with
// the previous announce are skipped for a peer without one, and bounds are
// skipped when the torrent size is unknown.
func (c *check) Check(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	var (
		prev  storage.PeerRecord
		found bool
	)
	if key := p.Key(); key.Complete() {
		var err error
		prev, err = c.peers.PeerRecord(ctx, key)
		switch err {
		case nil:
			found = true
		case storage.ErrResourceDoesNotExist:
		default:
			return middleware.Decision{}, err
		}
	}

	if found {
		if p.Uploaded < prev.Uploaded {
			return middleware.Reject(ReasonUploadedDecreased), nil
		}
		if p.Downloaded < prev.Downloaded {
			return middleware.Reject(ReasonDownloadedDecreased), nil
		}
	}

	if p.TorrentSize > 0 {
		bound := MaxTransfer(cfg.MaxStatsJumpMultiplier, p.TorrentSize)

		switch {
		case p.Uploaded > bound:
			return middleware.Reject(ReasonUploadedTooLarge), nil
		case p.Downloaded > bound:
			return middleware.Reject(ReasonDownloadedTooLarge), nil
		case p.Left > bound:
			return middleware.Reject(ReasonLeftTooLarge), nil
		}

		// Counters did not decrease, so the deltas cannot underflow. Under a
		// shared bound a jump is already caught as an excess above.
		if found {
			if p.Uploaded-prev.Uploaded > bound {
				return middleware.Reject(ReasonUploadedJump), nil
			}
			if p.Downloaded-prev.Downloaded > bound {
				return middleware.Reject(ReasonDownloadedJump), nil
			}
		}
	}

	if p.Event == bittorrent.Completed && p.Left != 0 {
		return middleware.Reject(ReasonCompletedWithLeft), nil
	}

	return middleware.Accept, nil
}
