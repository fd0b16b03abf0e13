// Package hitandrun tracks whether users keep seeding the torrents they
// completed, and flags them when they stop too early.
package hitandrun

import (
	"context"
	"time"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/storage"
)

var _ middleware.Observer = &Tracker{}

// Tracker updates hit-and-run records from accepted announces.
type Tracker struct {
	store storage.HitAndRunStore
}

// NewTracker returns a Tracker persisting records in store.
func NewTracker(store storage.HitAndRunStore) *Tracker {
	return &Tracker{store: store}
}

// Observe applies an accepted announce to the record of its user and
// torrent. A record is only created by a completed event.
func (t *Tracker) Observe(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) error {
	if p.UserID == "" || p.TorrentID == "" {
		return nil
	}

	var flagged bool
	r, _, err := t.store.UpdateHitAndRun(ctx, p.UserID, p.TorrentID, func(r *storage.HitAndRunRecord, found bool) (bool, error) {
		flagged = false
		if !found {
			if p.Event != bittorrent.Completed {
				return false, nil
			}
			r.DownloadedAt = p.Timestamp
			if p.Seeding() {
				r.LastSeededAt = storage.TimePtr(p.Timestamp)
			}
			return true, nil
		}

		flagged = Apply(r, p, cfg.RequiredSeedingMinutes)
		return true, nil
	})
	if err != nil {
		return err
	}

	if flagged {
		promFlaggedTotal.WithLabelValues("announce").Inc()
		log.Info("hitandrun: flagged on announce", r, log.Fields{"event": p.Event})
	}
	return nil
}

// Apply updates an existing record r with an announce and reports whether r
// became a hit-and-run.
//
// Seeding time is credited in whole minutes since LastSeededAt. The record
// is judged on an explicit stop, or when a seeding user starts leeching
// again; the flag is never cleared.
func Apply(r *storage.HitAndRunRecord, p *bittorrent.AnnounceParams, requiredMinutes int64) bool {
	wasSeeding := r.LastSeededAt != nil
	if wasSeeding {
		r.TotalSeedingTime += ElapsedMinutes(*r.LastSeededAt, p.Timestamp)
	}

	switch {
	case p.Event == bittorrent.Stopped:
		r.LastSeededAt = nil
	case p.Seeding():
		r.LastSeededAt = storage.TimePtr(p.Timestamp)
	default:
		r.LastSeededAt = nil
	}

	trigger := p.Event == bittorrent.Stopped || (wasSeeding && !p.Seeding())
	if trigger && !r.IsHitAndRun && r.TotalSeedingTime < requiredMinutes {
		r.IsHitAndRun = true
		return true
	}
	return false
}

// ElapsedMinutes is the number of whole minutes from since to now, or zero
// if now is not after since.
func ElapsedMinutes(since, now time.Time) int64 {
	d := now.Sub(since)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Minute)
}
