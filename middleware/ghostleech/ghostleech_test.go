package ghostleech

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/storage"
	"github.com/chihaya/privtracker/storage/memory"
)

func TestCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := config.Default()
	cfg.EnableGhostLeechingCheck = true

	var cases = []struct {
		name     string
		history  []storage.PeerRecord
		params   bittorrent.AnnounceParams
		rejected bool
	}{
		{
			name:   "no history",
			params: bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p"},
		},
		{
			name: "downloaded and never uploaded",
			history: []storage.PeerRecord{
				{UserID: "u", TorrentID: "t", PeerID: "p1", Downloaded: 100},
				{UserID: "u", TorrentID: "t", PeerID: "p2"},
			},
			params:   bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p3"},
			rejected: true,
		},
		{
			name: "uploaded from another peer",
			history: []storage.PeerRecord{
				{UserID: "u", TorrentID: "t", PeerID: "p1", Downloaded: 100},
				{UserID: "u", TorrentID: "t", PeerID: "p2", Uploaded: 1},
			},
			params: bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p1"},
		},
		{
			name: "other torrent",
			history: []storage.PeerRecord{
				{UserID: "u", TorrentID: "other", PeerID: "p1", Downloaded: 100},
			},
			params: bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p1"},
		},
		{
			name: "missing user",
			history: []storage.PeerRecord{
				{UserID: "", TorrentID: "t", PeerID: "p1", Downloaded: 100},
			},
			params: bittorrent.AnnounceParams{TorrentID: "t", PeerID: "p1"},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s, err := memory.New(memory.Config{})
			require.Nil(t, err)
			defer func() { s.Stop().Wait() }()

			for _, r := range tt.history {
				r.LastAnnounceAt = now
				require.Nil(t, s.PutPeerRecord(ctx, r))
			}

			d, err := NewCheck(s).Check(ctx, &cfg, &tt.params)
			require.Nil(t, err)
			require.Equal(t, tt.rejected, d.Rejected)
			if tt.rejected {
				require.Equal(t, Reason, d.Reason)
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	cfg := config.Default()
	require.False(t, NewCheck(nil).Enabled(&cfg))
	cfg.EnableGhostLeechingCheck = true
	require.True(t, NewCheck(nil).Enabled(&cfg))
}
