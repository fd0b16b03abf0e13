package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// TestStore tests a Store implementation against the interface.
//
// The Store is stopped when the test returns.
func TestStore(t *testing.T, s Store) {
	defer func() {
		require.Empty(t, s.Stop().Wait())
	}()

	t.Run("TorrentCatalog", func(t *testing.T) { testTorrentCatalog(t, s) })
	t.Run("PeerRecords", func(t *testing.T) { testPeerRecords(t, s) })
	t.Run("DistinctIPsAndUsers", func(t *testing.T) { testDistinct(t, s) })
	t.Run("ScrapeTorrent", func(t *testing.T) { testScrape(t, s) })
	t.Run("HitAndRuns", func(t *testing.T) { testHitAndRuns(t, s) })
	t.Run("RateLimits", func(t *testing.T) { testRateLimits(t, s) })
	t.Run("Bans", func(t *testing.T) { testBans(t, s) })
}

func testTorrentCatalog(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Torrent(ctx, "catalog-missing")
	require.Equal(t, ErrResourceDoesNotExist, err)

	require.Nil(t, s.PutTorrent(ctx, Torrent{ID: "catalog-1", Size: 1 << 30}))
	got, err := s.Torrent(ctx, "catalog-1")
	require.Nil(t, err)
	require.Equal(t, Torrent{ID: "catalog-1", Size: 1 << 30}, got)

	require.Nil(t, s.PutTorrent(ctx, Torrent{ID: "catalog-1", Size: 42}))
	got, err = s.Torrent(ctx, "catalog-1")
	require.Nil(t, err)
	require.Equal(t, uint64(42), got.Size)
}

func testPeerRecords(t *testing.T, s Store) {
	ctx := context.Background()
	key := bittorrent.PeerKey{UserID: "pr-user", TorrentID: "pr-torrent", PeerID: "-qB4620-000000000001"}

	_, err := s.PeerRecord(ctx, key)
	require.Equal(t, ErrResourceDoesNotExist, err)

	history, err := s.TransferHistory(ctx, key.UserID, key.TorrentID)
	require.Nil(t, err)
	require.Equal(t, TransferHistory{}, history)

	first := PeerRecord{
		UserID:         key.UserID,
		TorrentID:      key.TorrentID,
		PeerID:         key.PeerID,
		IP:             "10.0.0.1",
		Downloaded:     100,
		Left:           900,
		Event:          bittorrent.Started,
		LastAnnounceAt: testEpoch,
	}
	require.Nil(t, s.PutPeerRecord(ctx, first))

	got, err := s.PeerRecord(ctx, key)
	require.Nil(t, err)
	requirePeerRecordEqual(t, first, got)

	history, err = s.TransferHistory(ctx, key.UserID, key.TorrentID)
	require.Nil(t, err)
	require.Equal(t, TransferHistory{Records: 1, AnyDownloaded: true}, history)

	second := first
	second.Uploaded = 50
	second.Downloaded = 1000
	second.Left = 0
	second.Event = bittorrent.Completed
	second.LastAnnounceAt = testEpoch.Add(5 * time.Minute)
	require.Nil(t, s.PutPeerRecord(ctx, second))

	got, err = s.PeerRecord(ctx, key)
	require.Nil(t, err)
	requirePeerRecordEqual(t, second, got)

	history, err = s.TransferHistory(ctx, key.UserID, key.TorrentID)
	require.Nil(t, err)
	require.Equal(t, TransferHistory{Records: 1, AnyDownloaded: true, AnyUploaded: true}, history)

	// A second peer of the same user adds a record rather than replacing.
	other := first
	other.PeerID = "-qB4620-000000000002"
	require.Nil(t, s.PutPeerRecord(ctx, other))

	history, err = s.TransferHistory(ctx, key.UserID, key.TorrentID)
	require.Nil(t, err)
	require.Equal(t, 2, history.Records)
}

func requirePeerRecordEqual(t *testing.T, expected, got PeerRecord) {
	require.Equal(t, expected.Key(), got.Key())
	require.Equal(t, expected.IP, got.IP)
	require.Equal(t, expected.Uploaded, got.Uploaded)
	require.Equal(t, expected.Downloaded, got.Downloaded)
	require.Equal(t, expected.Left, got.Left)
	require.Equal(t, expected.Event, got.Event)
	require.True(t, expected.LastAnnounceAt.Equal(got.LastAnnounceAt), "expected %s, got %s", expected.LastAnnounceAt, got.LastAnnounceAt)
}

func testDistinct(t *testing.T, s Store) {
	ctx := context.Background()

	announce := func(user, peer, ip string, at time.Time) {
		require.Nil(t, s.PutPeerRecord(ctx, PeerRecord{
			UserID:         user,
			TorrentID:      "distinct-torrent",
			PeerID:         peer,
			IP:             ip,
			Left:           1,
			LastAnnounceAt: at,
		}))
	}

	// Announces older than the window must not count.
	announce("distinct-u1", "p1", "192.0.2.99", testEpoch.Add(-48*time.Hour))
	announce("distinct-u1", "p1", "192.0.2.1", testEpoch)
	announce("distinct-u1", "p1", "192.0.2.2", testEpoch.Add(time.Minute))
	announce("distinct-u1", "p2", "192.0.2.2", testEpoch.Add(2*time.Minute))
	announce("distinct-u2", "p3", "192.0.2.1", testEpoch.Add(3*time.Minute))
	announce("", "p4", "192.0.2.1", testEpoch.Add(4*time.Minute))

	since := testEpoch.Add(-24 * time.Hour)

	ips, err := s.DistinctIPsForUser(ctx, "distinct-u1", since)
	require.Nil(t, err)
	require.ElementsMatch(t, []string{"192.0.2.1", "192.0.2.2"}, ips)

	users, err := s.DistinctUsersForIP(ctx, "192.0.2.1", since)
	require.Nil(t, err)
	require.ElementsMatch(t, []string{"distinct-u1", "distinct-u2"}, users)

	users, err = s.DistinctUsersForIP(ctx, "192.0.2.99", since)
	require.Nil(t, err)
	require.Empty(t, users)
}

func testScrape(t *testing.T, s Store) {
	ctx := context.Background()

	scrape, err := s.ScrapeTorrent(ctx, "scrape-unknown", time.Time{})
	require.Nil(t, err)
	require.Equal(t, Scrape{}, scrape)

	put := func(user, peer string, left uint64, event bittorrent.Event, at time.Time) {
		require.Nil(t, s.PutPeerRecord(ctx, PeerRecord{
			UserID:         user,
			TorrentID:      "scrape-torrent",
			PeerID:         peer,
			IP:             "198.51.100.1",
			Left:           left,
			Event:          event,
			LastAnnounceAt: at,
		}))
	}

	put("scrape-u1", "p1", 0, bittorrent.Completed, testEpoch)
	put("scrape-u2", "p2", 0, bittorrent.None, testEpoch)
	put("scrape-u3", "p3", 1024, bittorrent.Started, testEpoch)

	scrape, err = s.ScrapeTorrent(ctx, "scrape-torrent", time.Time{})
	require.Nil(t, err)
	require.Equal(t, Scrape{Complete: 2, Incomplete: 1, Snatches: 1}, scrape)

	// Stopped peers leave the swarm but snatches are lifetime counts.
	put("scrape-u1", "p1", 0, bittorrent.Stopped, testEpoch.Add(time.Minute))
	put("scrape-u4", "p4", 0, bittorrent.Completed, testEpoch.Add(time.Hour))

	scrape, err = s.ScrapeTorrent(ctx, "scrape-torrent", time.Time{})
	require.Nil(t, err)
	require.Equal(t, Scrape{Complete: 2, Incomplete: 1, Snatches: 2}, scrape)

	// Only the peer that announced within the last half hour is active.
	scrape, err = s.ScrapeTorrent(ctx, "scrape-torrent", testEpoch.Add(30*time.Minute))
	require.Nil(t, err)
	require.Equal(t, Scrape{Complete: 1, Incomplete: 0, Snatches: 2}, scrape)
}

func testHitAndRuns(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.HitAndRun(ctx, "hnr-user", "hnr-torrent")
	require.Equal(t, ErrResourceDoesNotExist, err)

	_, err = s.FlagHitAndRun(ctx, "hnr-user", "hnr-torrent", testEpoch.Add(time.Hour), 60)
	require.Equal(t, ErrResourceDoesNotExist, err)

	// Declining to write leaves nothing behind.
	_, found, err := s.UpdateHitAndRun(ctx, "hnr-user", "hnr-torrent", func(r *HitAndRunRecord, found bool) (bool, error) {
		require.False(t, found)
		require.Equal(t, "hnr-user", r.UserID)
		require.Equal(t, "hnr-torrent", r.TorrentID)
		return false, nil
	})
	require.Nil(t, err)
	require.False(t, found)

	created, found, err := s.UpdateHitAndRun(ctx, "hnr-user", "hnr-torrent", func(r *HitAndRunRecord, found bool) (bool, error) {
		r.DownloadedAt = testEpoch
		r.LastSeededAt = TimePtr(testEpoch)
		return true, nil
	})
	require.Nil(t, err)
	require.True(t, found)
	require.True(t, testEpoch.Equal(created.DownloadedAt))

	updated, found, err := s.UpdateHitAndRun(ctx, "hnr-user", "hnr-torrent", func(r *HitAndRunRecord, found bool) (bool, error) {
		require.True(t, found)
		require.NotNil(t, r.LastSeededAt)
		require.True(t, testEpoch.Equal(*r.LastSeededAt))
		r.TotalSeedingTime += 10
		r.LastSeededAt = TimePtr(testEpoch.Add(10 * time.Minute))
		return true, nil
	})
	require.Nil(t, err)
	require.True(t, found)
	require.Equal(t, int64(10), updated.TotalSeedingTime)

	got, err := s.HitAndRun(ctx, "hnr-user", "hnr-torrent")
	require.Nil(t, err)
	require.Equal(t, int64(10), got.TotalSeedingTime)
	require.True(t, testEpoch.Add(10*time.Minute).Equal(*got.LastSeededAt))
	require.False(t, got.IsHitAndRun)

	// A record that is not seeding is never pending.
	_, _, err = s.UpdateHitAndRun(ctx, "hnr-idle", "hnr-torrent", func(r *HitAndRunRecord, found bool) (bool, error) {
		r.DownloadedAt = testEpoch
		return true, nil
	})
	require.Nil(t, err)

	// A record that seeded long enough is never pending.
	_, _, err = s.UpdateHitAndRun(ctx, "hnr-good", "hnr-torrent", func(r *HitAndRunRecord, found bool) (bool, error) {
		r.DownloadedAt = testEpoch
		r.LastSeededAt = TimePtr(testEpoch)
		r.TotalSeedingTime = 120
		return true, nil
	})
	require.Nil(t, err)

	pending, err := s.PendingHitAndRuns(ctx, testEpoch.Add(time.Hour), 60)
	require.Nil(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "hnr-user", pending[0].UserID)

	pending, err = s.PendingHitAndRuns(ctx, testEpoch.Add(5*time.Minute), 60)
	require.Nil(t, err)
	require.Empty(t, pending)

	// Records that seeded after the cutoff or long enough are left alone.
	changed, err := s.FlagHitAndRun(ctx, "hnr-user", "hnr-torrent", testEpoch.Add(5*time.Minute), 60)
	require.Nil(t, err)
	require.False(t, changed)
	changed, err = s.FlagHitAndRun(ctx, "hnr-good", "hnr-torrent", testEpoch.Add(time.Hour), 60)
	require.Nil(t, err)
	require.False(t, changed)
	changed, err = s.FlagHitAndRun(ctx, "hnr-idle", "hnr-torrent", testEpoch.Add(time.Hour), 60)
	require.Nil(t, err)
	require.False(t, changed)

	changed, err = s.FlagHitAndRun(ctx, "hnr-user", "hnr-torrent", testEpoch.Add(time.Hour), 60)
	require.Nil(t, err)
	require.True(t, changed)

	changed, err = s.FlagHitAndRun(ctx, "hnr-user", "hnr-torrent", testEpoch.Add(time.Hour), 60)
	require.Nil(t, err)
	require.False(t, changed)

	for _, user := range []string{"hnr-good", "hnr-idle"} {
		got, err := s.HitAndRun(ctx, user, "hnr-torrent")
		require.Nil(t, err)
		require.False(t, got.IsHitAndRun, user)
	}

	got, err = s.HitAndRun(ctx, "hnr-user", "hnr-torrent")
	require.Nil(t, err)
	require.True(t, got.IsHitAndRun)
	require.Equal(t, int64(10), got.TotalSeedingTime)

	pending, err = s.PendingHitAndRuns(ctx, testEpoch.Add(time.Hour), 60)
	require.Nil(t, err)
	require.Empty(t, pending)
}

// TestRateLimitStore tests a RateLimitStore implementation against the
// interface.
func TestRateLimitStore(t *testing.T, s RateLimitStore) { testRateLimits(t, s) }

func testRateLimits(t *testing.T, s RateLimitStore) {
	ctx := context.Background()
	policy := RateLimitPolicy{Limit: 2, Window: time.Hour, Cooldown: 30 * time.Minute}

	_, err := s.RateLimitCounter(ctx, "rl-user")
	require.Equal(t, ErrResourceDoesNotExist, err)

	for i := 0; i < policy.Limit; i++ {
		res, err := s.ConsumeAnnounce(ctx, "rl-user", testEpoch.Add(time.Duration(i)*time.Minute), policy)
		require.Nil(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, i+1, res.Counter.AnnounceCount)
	}

	over := testEpoch.Add(10 * time.Minute)
	res, err := s.ConsumeAnnounce(ctx, "rl-user", over, policy)
	require.Nil(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, policy.Cooldown, res.RetryAfter)

	counter, err := s.RateLimitCounter(ctx, "rl-user")
	require.Nil(t, err)
	require.Equal(t, policy.Limit, counter.AnnounceCount)
	require.NotNil(t, counter.CooldownUntil)
	require.True(t, over.Add(policy.Cooldown).Equal(*counter.CooldownUntil))
	require.Equal(t, CooldownReason(policy), counter.Reason)

	res, err = s.ConsumeAnnounce(ctx, "rl-user", over.Add(time.Minute), policy)
	require.Nil(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, policy.Cooldown-time.Minute, res.RetryAfter)

	counter, err = s.RateLimitCounter(ctx, "rl-user")
	require.Nil(t, err)
	require.Equal(t, policy.Limit, counter.AnnounceCount)

	res, err = s.ConsumeAnnounce(ctx, "rl-user", testEpoch.Add(2*time.Hour), policy)
	require.Nil(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Counter.AnnounceCount)
	require.Nil(t, res.Counter.CooldownUntil)

	testConcurrentRateLimits(t, s)
}

func testConcurrentRateLimits(t *testing.T, s RateLimitStore) {
	ctx := context.Background()
	policy := RateLimitPolicy{Limit: 10, Window: time.Hour, Cooldown: 30 * time.Minute}
	const announces = 25

	results := make(chan RateLimitResult, announces)
	errs := make(chan error, announces)
	var wg sync.WaitGroup
	for i := 0; i < announces; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ConsumeAnnounce(ctx, "rl-concurrent", testEpoch, policy)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.Nil(t, err)
	}

	var allowed int
	for res := range results {
		if res.Allowed {
			allowed++
		}
	}
	require.Equal(t, policy.Limit, allowed)

	counter, err := s.RateLimitCounter(ctx, "rl-concurrent")
	require.Nil(t, err)
	require.Equal(t, policy.Limit, counter.AnnounceCount)
	require.NotNil(t, counter.CooldownUntil)
	require.True(t, testEpoch.Add(policy.Cooldown).Equal(*counter.CooldownUntil))
}

func testBans(t *testing.T, s Store) {
	ctx := context.Background()

	_, found, err := s.ActiveBan(ctx, BanQuery{}, testEpoch)
	require.Nil(t, err)
	require.False(t, found)

	permanent, err := s.PutBan(ctx, BanRecord{PeerID: "-XX0001-", Reason: "cheater"})
	require.Nil(t, err)
	require.NotZero(t, permanent.ID)

	_, err = s.PutBan(ctx, BanRecord{IP: "203.0.113.7", Reason: "expired", ExpiresAt: TimePtr(testEpoch.Add(-time.Hour))})
	require.Nil(t, err)

	_, err = s.PutBan(ctx, BanRecord{UserID: "ban-user", Passkey: "ban-passkey", Reason: "temporary", ExpiresAt: TimePtr(testEpoch.Add(time.Hour))})
	require.Nil(t, err)

	table := []struct {
		name   string
		q      BanQuery
		found  bool
		reason string
	}{
		{"peer id", BanQuery{PeerID: "-XX0001-", UserID: "someone"}, true, "cheater"},
		{"expired ip", BanQuery{IP: "203.0.113.7"}, false, ""},
		{"user", BanQuery{UserID: "ban-user"}, true, "temporary"},
		{"passkey", BanQuery{Passkey: "ban-passkey"}, true, "temporary"},
		{"clean", BanQuery{UserID: "clean", Passkey: "clean", PeerID: "clean", IP: "192.0.2.1"}, false, ""},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			ban, found, err := s.ActiveBan(ctx, tt.q, testEpoch)
			require.Nil(t, err)
			require.Equal(t, tt.found, found)
			if found {
				require.Equal(t, tt.reason, ban.Reason)
			}
		})
	}

	// The temporary ban lapses.
	_, found, err = s.ActiveBan(ctx, BanQuery{UserID: "ban-user"}, testEpoch.Add(2*time.Hour))
	require.Nil(t, err)
	require.False(t, found)
}

// TestLocker tests a Locker implementation against the interface.
func TestLocker(t *testing.T, l Locker) {
	ctx := context.Background()
	key := AnnounceLockKey(bittorrent.PeerKey{UserID: "u", TorrentID: "t", PeerID: "p"})

	unlock, err := l.Lock(ctx, key)
	require.Nil(t, err)

	acquired := make(chan struct{})
	go func() {
		unlock, err := l.Lock(ctx, key)
		if err == nil {
			close(acquired)
			_ = unlock()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired twice")
	case <-time.After(50 * time.Millisecond):
	}

	// Other keys are independent.
	otherUnlock, err := l.Lock(ctx, AnnounceLockKey(bittorrent.PeerKey{UserID: "u", TorrentID: "t", PeerID: "q"}))
	require.Nil(t, err)
	require.Nil(t, otherUnlock())

	require.Nil(t, unlock())

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock was never released")
	}
}
