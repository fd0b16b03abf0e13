package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/pkg/stop"
	"github.com/chihaya/privtracker/pkg/timecache"
	"github.com/chihaya/privtracker/storage"
)

// ErrUnregisteredTorrent is the reason given for announces of torrents
// missing from the catalog.
var ErrUnregisteredTorrent = bittorrent.ClientError("Unregistered torrent.")

// Observer is notified of every accepted announce after its peer record was
// stored. An error fails the announce.
type Observer interface {
	Observe(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) error
}

// Logic processes announces: it runs the check pipeline and, when the
// announce is accepted, records it and answers with the swarm counts.
type Logic struct {
	clock     timecache.Clock
	configs   config.Provider
	stores    storage.Stores
	pipeline  *Pipeline
	observers []Observer
}

// NewLogic creates a new Logic running pipeline and notifying observers of
// accepted announces.
func NewLogic(clock timecache.Clock, configs config.Provider, stores storage.Stores, pipeline *Pipeline, observers ...Observer) *Logic {
	return &Logic{
		clock:     clock,
		configs:   configs,
		stores:    stores,
		pipeline:  pipeline,
		observers: observers,
	}
}

// HandleAnnounce processes one announce.
//
// A rejected announce yields a response with Rejected set and leaves no
// state behind. A non-nil error means a store failed and the announce was
// neither accepted nor rejected.
func (l *Logic) HandleAnnounce(ctx context.Context, p *bittorrent.AnnounceParams) (resp *bittorrent.AnnounceResponse, err error) {
	start := time.Now()
	var d Decision
	defer func() { recordAnnounceDuration(d, err, time.Since(start)) }()

	p.Timestamp = l.clock.Now()

	cfg, err := l.configs.Current(ctx)
	if err != nil {
		return nil, err
	}

	resp = &bittorrent.AnnounceResponse{
		Interval:    cfg.DefaultAnnounceInterval,
		MinInterval: cfg.MinAnnounceInterval,
	}

	t, err := l.stores.Torrents.Torrent(ctx, p.TorrentID)
	if err == storage.ErrResourceDoesNotExist {
		d = Reject(string(ErrUnregisteredTorrent))
		resp.Rejected, resp.Reason = true, d.Reason
		return resp, nil
	} else if err != nil {
		return nil, err
	}
	p.TorrentSize = t.Size

	key := p.Key()
	if key.Complete() {
		unlock, err := l.stores.Locker.Lock(ctx, storage.AnnounceLockKey(key))
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := unlock(); err != nil {
				log.Error("failed to release announce lock", log.Err(err), log.Fields{"key": key.String()})
			}
		}()
	}

	d, err = l.pipeline.Run(ctx, cfg, p)
	if err != nil {
		return nil, err
	}
	if d.Rejected {
		resp.Rejected = true
		resp.Reason = d.Reason
		resp.RetryAfter = d.RetryAfter
		return resp, nil
	}

	if err = l.stores.Peers.PutPeerRecord(ctx, storage.PeerRecordFromParams(p)); err != nil {
		return nil, err
	}

	for _, o := range l.observers {
		if err = o.Observe(ctx, cfg, p); err != nil {
			return nil, err
		}
	}

	scrape, err := l.stores.Peers.ScrapeTorrent(ctx, p.TorrentID, activeSince(cfg, p.Timestamp))
	if err != nil {
		return nil, err
	}
	resp.Complete = scrape.Complete
	resp.Incomplete = scrape.Incomplete
	resp.Snatches = scrape.Snatches

	log.Debug("generated announce response", resp)
	return resp, nil
}

// Scrape returns the swarm counts of a torrent as they appear in announce
// responses.
func (l *Logic) Scrape(ctx context.Context, torrentID string) (storage.Scrape, error) {
	cfg, err := l.configs.Current(ctx)
	if err != nil {
		return storage.Scrape{}, err
	}

	return l.stores.Peers.ScrapeTorrent(ctx, torrentID, activeSince(cfg, l.clock.Now()))
}

func activeSince(cfg *config.TrackerConfig, now time.Time) time.Time {
	if cfg.PeerLifetime <= 0 {
		return time.Time{}
	}
	return now.Add(-cfg.PeerLifetime)
}

// Stop stops the Logic.
//
// This stops any observers that implement stop.Stopper.
func (l *Logic) Stop() stop.Result {
	stopGroup := stop.NewGroup()
	for _, o := range l.observers {
		stoppable, ok := o.(stop.Stopper)
		if ok {
			stopGroup.Add(fmt.Sprintf("observer %T", o), stoppable)
		}
	}

	return stopGroup.Stop()
}
