package invalidstats

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/storage"
	"github.com/chihaya/privtracker/storage/memory"
)

func TestMaxTransfer(t *testing.T) {
	require.Equal(t, uint64(10240), MaxTransfer(10, 1024))
	require.Equal(t, uint64(math.MaxUint64), MaxTransfer(10, math.MaxUint64/2))
	require.Equal(t, uint64(0), MaxTransfer(10, 0))
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := memory.New(memory.Config{})
	require.Nil(t, err)
	defer func() { s.Stop().Wait() }()

	require.Nil(t, s.PutPeerRecord(ctx, storage.PeerRecord{
		UserID:         "u",
		TorrentID:      "t",
		PeerID:         "p",
		Uploaded:       1000,
		Downloaded:     2000,
		Left:           500,
		LastAnnounceAt: now,
	}))

	cfg := config.Default()
	cfg.EnableInvalidStatsCheck = true
	cfg.MaxStatsJumpMultiplier = 10

	announce := func(uploaded, downloaded, left uint64, event bittorrent.Event, size uint64) *bittorrent.AnnounceParams {
		return &bittorrent.AnnounceParams{
			UserID:      "u",
			TorrentID:   "t",
			PeerID:      "p",
			Uploaded:    uploaded,
			Downloaded:  downloaded,
			Left:        left,
			Event:       event,
			TorrentSize: size,
			Timestamp:   now.Add(time.Hour),
		}
	}

	var cases = []struct {
		name   string
		params *bittorrent.AnnounceParams
		reason string
	}{
		{"valid progress", announce(1500, 2500, 0, bittorrent.None, 2500), ""},
		{"uploaded decreased", announce(999, 2000, 500, bittorrent.None, 2500), ReasonUploadedDecreased},
		{"decrease wins over completed", announce(999, 2000, 500, bittorrent.Completed, 2500), ReasonUploadedDecreased},
		{"downloaded decreased", announce(1000, 1999, 500, bittorrent.None, 2500), ReasonDownloadedDecreased},
		{"uploaded over bound", announce(25001, 2000, 500, bittorrent.None, 2500), ReasonUploadedTooLarge},
		{"downloaded over bound", announce(1000, 25001, 500, bittorrent.None, 2500), ReasonDownloadedTooLarge},
		{"left over bound", announce(1000, 2000, 25001, bittorrent.None, 2500), ReasonLeftTooLarge},
		{"bounds skipped for unknown size", announce(1<<40, 1<<40, 0, bittorrent.None, 0), ""},
		{"completed with left", announce(1000, 2000, 500, bittorrent.Completed, 2500), ReasonCompletedWithLeft},
		{"completed", announce(1000, 2500, 0, bittorrent.Completed, 2500), ""},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewCheck(s).Check(ctx, &cfg, tt.params)
			require.Nil(t, err)
			if tt.reason == "" {
				require.False(t, d.Rejected, d.Reason)
				return
			}
			require.True(t, d.Rejected)
			require.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestCompletedWithLeftFirstAnnounce(t *testing.T) {
	s, err := memory.New(memory.Config{})
	require.Nil(t, err)
	defer func() { s.Stop().Wait() }()

	cfg := config.Default()
	cfg.EnableInvalidStatsCheck = true

	p := &bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "new", Left: 500, Event: bittorrent.Completed}
	d, err := NewCheck(s).Check(context.Background(), &cfg, p)
	require.Nil(t, err)
	require.True(t, d.Rejected)
	require.Equal(t, "Invalid stats: Completed event must have left = 0.", d.Reason)
}
