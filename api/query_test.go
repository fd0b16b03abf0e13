package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
)

func TestParseAnnounceQuery(t *testing.T) {
	p, err := parseAnnounceQuery("user_id=u&torrent_id=t&peer_id=p&raw_peer_id=-qB4620-abcdefghijkl" +
		"&ip=10.0.0.1&passkey=k&fingerprint=f&client=qBittorrent%2F4.6.2" +
		"&uploaded=18446744073709551615&downloaded=-0&left=1024&event=started")
	require.Nil(t, err)
	require.Equal(t, &bittorrent.AnnounceParams{
		UserID:      "u",
		TorrentID:   "t",
		PeerID:      "p",
		PeerIDRaw:   "-qB4620-abcdefghijkl",
		IP:          "10.0.0.1",
		Passkey:     "k",
		Fingerprint: "f",
		Client:      "qBittorrent/4.6.2",
		Uploaded:    18446744073709551615,
		Downloaded:  0,
		Left:        1024,
		Event:       bittorrent.Started,
	}, p)

	p, err = parseAnnounceQuery("user_id=u")
	require.Nil(t, err)
	require.Equal(t, bittorrent.None, p.Event)
	require.Equal(t, uint64(0), p.Left)

	table := []struct {
		query string
		err   error
	}{
		{"uploaded=-1", bittorrent.ErrNegativeStats},
		{"left=-18446744073709551616", bittorrent.ErrNegativeStats},
		{"downloaded=lots", bittorrent.ClientError("failed to parse parameter: downloaded")},
		{"left=18446744073709551616", bittorrent.ClientError("failed to parse parameter: left")},
		{"event=paused", bittorrent.ClientError("failed to provide valid client event")},
	}
	for _, tt := range table {
		t.Run(tt.query, func(t *testing.T) {
			_, err := parseAnnounceQuery(tt.query)
			require.Equal(t, tt.err, err)
		})
	}
}

func TestAnnounceQuery(t *testing.T) {
	srv, _ := newTestServer(t)

	get := func(query string) (int, announceResponse) {
		resp, err := http.Get(srv.URL + "/announce?" + query)
		require.Nil(t, err)
		defer resp.Body.Close()

		var ar announceResponse
		if resp.StatusCode == http.StatusOK {
			require.Nil(t, json.NewDecoder(resp.Body).Decode(&ar))
		}
		return resp.StatusCode, ar
	}

	code, ar := get("user_id=u&torrent_id=t&peer_id=p&left=0&uploaded=18446744073709551615&event=completed")
	require.Equal(t, http.StatusOK, code)
	require.False(t, ar.Rejected)
	require.Equal(t, uint32(1), ar.Complete)

	code, ar = get("user_id=v&torrent_id=t&peer_id=p&uploaded=-5")
	require.Equal(t, http.StatusOK, code)
	require.True(t, ar.Rejected)
	require.Equal(t, "Invalid stats: Negative values are not allowed.", ar.Reason)

	code, _ = get("user_id=w&torrent_id=t&peer_id=p&left=abc")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = get("user_id=w&torrent_id=t&peer_id=p&event=paused")
	require.Equal(t, http.StatusBadRequest, code)
}
