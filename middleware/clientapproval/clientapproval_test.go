package clientapproval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
)

var cases = []struct {
	whitelist []string
	blacklist []string
	client    string
	reason    string
}{
	// Client is whitelisted
	{[]string{"qBittorrent/4.6.2"}, nil, "qBittorrent/4.6.2", ""},
	// Client is not whitelisted
	{[]string{"qBittorrent/4.6.2"}, nil, "Transmission/4.0.5", ReasonNotWhitelisted},
	// No client against a whitelist
	{[]string{"qBittorrent/4.6.2"}, nil, "", ReasonNotWhitelisted},
	// Client is not blacklisted
	{nil, []string{"BitComet/2.04"}, "Transmission/4.0.5", ""},
	// Client is blacklisted
	{nil, []string{"BitComet/2.04"}, "BitComet/2.04", ReasonBlacklisted},
	// Whitelisted and blacklisted
	{[]string{"BitComet/2.04"}, []string{"BitComet/2.04"}, "BitComet/2.04", ReasonBlacklisted},
	// Whitelist is checked first
	{[]string{"qBittorrent/4.6.2"}, []string{"BitComet/2.04"}, "BitComet/2.04", ReasonNotWhitelisted},
	// Matching is exact
	{nil, []string{"BitComet/2.04"}, "bitcomet/2.04", ""},
}

func TestCheck(t *testing.T) {
	for _, tt := range cases {
		t.Run(fmt.Sprintf("testing client %q", tt.client), func(t *testing.T) {
			cfg := config.Default()
			cfg.WhitelistedClients = tt.whitelist
			cfg.BlacklistedClients = tt.blacklist

			c := NewCheck()
			require.True(t, c.Enabled(&cfg))

			d, err := c.Check(context.Background(), &cfg, &bittorrent.AnnounceParams{Client: tt.client})
			require.Nil(t, err)
			require.Equal(t, tt.reason != "", d.Rejected)
			require.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDisabledWithoutLists(t *testing.T) {
	cfg := config.Default()
	require.False(t, NewCheck().Enabled(&cfg))
}
