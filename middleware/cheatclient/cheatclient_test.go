package cheatclient

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
)

var cases = []struct {
	peerID      string
	fingerprint string
	rejected    bool
}{
	// Banned peer ID prefix
	{"-XL0012-abcdefghijkl", "", true},
	// Prefix match is case-sensitive
	{"-xl0012-abcdefghijkl", "", false},
	// Banned fingerprint prefix
	{"-qB4620-abcdefghijkl", "ratiomaster/1.0", true},
	// Clean client
	{"-qB4620-abcdefghijkl", "qbittorrent/4.6.2", false},
	// Nothing to match
	{"", "", false},
}

func TestCheck(t *testing.T) {
	cfg := config.Default()
	cfg.EnableCheatingClientCheck = true
	cfg.CheatingClientPeerIDPrefixes = []string{"", "-XL", "-SD"}
	cfg.CheatingClientFingerprints = []string{"ratiomaster"}

	for _, tt := range cases {
		t.Run(fmt.Sprintf("peer id %q fingerprint %q", tt.peerID, tt.fingerprint), func(t *testing.T) {
			p := &bittorrent.AnnounceParams{PeerID: tt.peerID, Fingerprint: tt.fingerprint}

			d, err := NewCheck().Check(context.Background(), &cfg, p)
			require.Nil(t, err)
			require.Equal(t, tt.rejected, d.Rejected)
			if tt.rejected {
				require.Equal(t, Reason, d.Reason)
			}
		})
	}
}

func TestRawPeerIDMatched(t *testing.T) {
	cfg := config.Default()
	cfg.EnableCheatingClientCheck = true
	cfg.CheatingClientPeerIDPrefixes = []string{"-XL"}

	p := &bittorrent.AnnounceParams{PeerID: "2d584c303031322d", PeerIDRaw: "-XL0012-abcdefghijkl"}
	d, err := NewCheck().Check(context.Background(), &cfg, p)
	require.Nil(t, err)
	require.True(t, d.Rejected)

	p = &bittorrent.AnnounceParams{PeerID: "-XL0012-abcdefghijkl", PeerIDRaw: "-qB4620-abcdefghijkl"}
	d, err = NewCheck().Check(context.Background(), &cfg, p)
	require.Nil(t, err)
	require.False(t, d.Rejected)
}
