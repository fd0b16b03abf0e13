package announcerate

import (
	"context"
	"fmt"
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
	last := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := memory.New(memory.Config{})
	require.Nil(t, err)
	defer func() { s.Stop().Wait() }()

	require.Nil(t, s.PutPeerRecord(ctx, storage.PeerRecord{UserID: "u", TorrentID: "t", PeerID: "p", LastAnnounceAt: last}))

	cfg := config.Default()
	cfg.EnableAnnounceRateCheck = true
	cfg.MinAnnounceInterval = 300 * time.Second

	var cases = []struct {
		name     string
		params   bittorrent.AnnounceParams
		rejected bool
		wait     int64
	}{
		{"too soon", bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p", Timestamp: last.Add(100 * time.Second)}, true, 200},
		{"rounds up", bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p", Timestamp: last.Add(299*time.Second + time.Millisecond)}, true, 1},
		{"exactly the interval", bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "p", Timestamp: last.Add(300 * time.Second)}, false, 0},
		{"other peer", bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", PeerID: "q", Timestamp: last.Add(time.Second)}, false, 0},
		{"missing peer id", bittorrent.AnnounceParams{UserID: "u", TorrentID: "t", Timestamp: last.Add(time.Second)}, false, 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewCheck(s).Check(ctx, &cfg, &tt.params)
			require.Nil(t, err)
			require.Equal(t, tt.rejected, d.Rejected)
			if tt.rejected {
				require.Equal(t, fmt.Sprintf(ReasonFormat, tt.wait), d.Reason)
				require.True(t, d.RetryAfter > 0)
			}
		})
	}
}
