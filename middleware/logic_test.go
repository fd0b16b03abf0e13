package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/pkg/timecache"
	"github.com/chihaya/privtracker/storage"
	"github.com/chihaya/privtracker/storage/memory"
)

type observerFunc func(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) error

func (f observerFunc) Observe(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) error {
	return f(ctx, cfg, p)
}

type logicHarness struct {
	clock  *timecache.Manual
	store  storage.Store
	stores storage.Stores
}

func newLogicHarness(t *testing.T) *logicHarness {
	s, err := memory.New(memory.Config{})
	require.Nil(t, err)
	t.Cleanup(func() { s.Stop().Wait() })

	require.Nil(t, s.PutTorrent(context.Background(), storage.Torrent{ID: "t", Size: 1000}))

	return &logicHarness{
		clock:  timecache.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		store:  s,
		stores: storage.NewStores(s, memory.NewLocker()),
	}
}

func (h *logicHarness) logic(t *testing.T, checks []Check, observers ...Observer) *Logic {
	pl, err := NewPipeline(checks...)
	require.Nil(t, err)

	cfg := config.Default()
	return NewLogic(h.clock, config.NewStatic(cfg), h.stores, pl, observers...)
}

func TestHandleAnnounceUnregisteredTorrent(t *testing.T) {
	h := newLogicHarness(t)
	l := h.logic(t, nil)

	resp, err := l.HandleAnnounce(context.Background(), &bittorrent.AnnounceParams{UserID: "u", TorrentID: "missing", PeerID: "p"})
	require.Nil(t, err)
	require.True(t, resp.Rejected)
	require.Equal(t, "Unregistered torrent.", resp.Reason)

	_, err = h.store.PeerRecord(context.Background(), bittorrent.PeerKey{UserID: "u", TorrentID: "missing", PeerID: "p"})
	require.Equal(t, storage.ErrResourceDoesNotExist, err)
}

func TestHandleAnnounceAccepted(t *testing.T) {
	ctx := context.Background()
	h := newLogicHarness(t)

	var observed []bittorrent.AnnounceParams
	l := h.logic(t, nil, observerFunc(func(_ context.Context, _ *config.TrackerConfig, p *bittorrent.AnnounceParams) error {
		observed = append(observed, *p)
		return nil
	}))

	resp, err := l.HandleAnnounce(ctx, &bittorrent.AnnounceParams{UserID: "seeder", TorrentID: "t", PeerID: "p1", IP: "10.0.0.1", Uploaded: 10})
	require.Nil(t, err)
	require.False(t, resp.Rejected)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(0), resp.Incomplete)
	require.Equal(t, config.DefaultDefaultAnnounceInterval, resp.Interval)

	h.clock.Advance(time.Minute)
	resp, err = l.HandleAnnounce(ctx, &bittorrent.AnnounceParams{UserID: "leecher", TorrentID: "t", PeerID: "p2", IP: "10.0.0.2", Left: 500})
	require.Nil(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(1), resp.Incomplete)
	require.Equal(t, uint32(0), resp.Snatches)

	h.clock.Advance(time.Minute)
	resp, err = l.HandleAnnounce(ctx, &bittorrent.AnnounceParams{UserID: "leecher", TorrentID: "t", PeerID: "p2", IP: "10.0.0.2", Downloaded: 1000, Event: bittorrent.Completed})
	require.Nil(t, err)
	require.Equal(t, uint32(2), resp.Complete)
	require.Equal(t, uint32(0), resp.Incomplete)
	require.Equal(t, uint32(1), resp.Snatches)

	require.Len(t, observed, 3)
	require.Equal(t, uint64(1000), observed[2].TorrentSize)
	require.True(t, h.clock.Now().Equal(observed[2].Timestamp))

	r, err := h.store.PeerRecord(ctx, bittorrent.PeerKey{UserID: "leecher", TorrentID: "t", PeerID: "p2"})
	require.Nil(t, err)
	require.Equal(t, uint64(1000), r.Downloaded)
	require.True(t, h.clock.Now().Equal(r.LastAnnounceAt))

	scrape, err := l.Scrape(ctx, "t")
	require.Nil(t, err)
	require.Equal(t, storage.Scrape{Complete: 2, Incomplete: 0, Snatches: 1}, scrape)
}

func TestHandleAnnounceRejectedLeavesNoState(t *testing.T) {
	ctx := context.Background()
	h := newLogicHarness(t)

	observed := 0
	deny := &fakeCheck{name: "deny", enabled: true, decision: RejectRetry("go away", time.Minute)}
	l := h.logic(t, []Check{deny}, observerFunc(func(context.Context, *config.TrackerConfig, *bittorrent.AnnounceParams) error {
		observed++
		return nil
	}))

	resp, err := l.HandleAnnounce(ctx, &bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p"})
	require.Nil(t, err)
	require.True(t, resp.Rejected)
	require.Equal(t, "go away", resp.Reason)
	require.Equal(t, time.Minute, resp.RetryAfter)
	require.Equal(t, 0, observed)

	_, err = h.store.PeerRecord(ctx, bittorrent.PeerKey{UserID: "u", TorrentID: "t", PeerID: "p"})
	require.Equal(t, storage.ErrResourceDoesNotExist, err)
}

func TestHandleAnnounceErrors(t *testing.T) {
	ctx := context.Background()
	failure := errors.New("store down")

	t.Run("check error", func(t *testing.T) {
		h := newLogicHarness(t)
		l := h.logic(t, []Check{&fakeCheck{name: "broken", enabled: true, err: failure}})

		resp, err := l.HandleAnnounce(ctx, &bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p"})
		require.Equal(t, failure, err)
		require.Nil(t, resp)
	})

	t.Run("observer error", func(t *testing.T) {
		h := newLogicHarness(t)
		l := h.logic(t, nil, observerFunc(func(context.Context, *config.TrackerConfig, *bittorrent.AnnounceParams) error {
			return failure
		}))

		resp, err := l.HandleAnnounce(ctx, &bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p"})
		require.Equal(t, failure, err)
		require.Nil(t, resp)
	})

	t.Run("lock released after an error", func(t *testing.T) {
		h := newLogicHarness(t)
		l := h.logic(t, []Check{&fakeCheck{name: "broken", enabled: true, err: failure}})
		p := bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p"}

		_, err := l.HandleAnnounce(ctx, &p)
		require.Equal(t, failure, err)

		lockCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		unlock, err := h.stores.Locker.Lock(lockCtx, storage.AnnounceLockKey(p.Key()))
		require.Nil(t, err)
		require.Nil(t, unlock())
	})
}
