package api

import (
	"net/url"

	"github.com/chihaya/privtracker/bittorrent"
)

// parseAnnounceQuery parses an announce from the query string of a GET
// request. Parameter names match the JSON form.
//
// Counters keep their full unsigned range here. A negative counter yields
// bittorrent.ErrNegativeStats; any other malformed value is a
// bittorrent.ClientError naming the parameter.
func parseAnnounceQuery(raw string) (*bittorrent.AnnounceParams, error) {
	qp, err := url.ParseQuery(raw)
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse query: " + err.Error())
	}

	p := &bittorrent.AnnounceParams{
		UserID:      qp.Get("user_id"),
		TorrentID:   qp.Get("torrent_id"),
		PeerID:      qp.Get("peer_id"),
		PeerIDRaw:   qp.Get("raw_peer_id"),
		IP:          qp.Get("ip"),
		Passkey:     qp.Get("passkey"),
		Fingerprint: qp.Get("fingerprint"),
		Client:      qp.Get("client"),
	}

	p.Event, err = bittorrent.NewEvent(qp.Get("event"))
	if err != nil {
		return nil, bittorrent.ClientError("failed to provide valid client event")
	}

	for _, c := range []struct {
		name string
		dst  *uint64
	}{
		{"uploaded", &p.Uploaded},
		{"downloaded", &p.Downloaded},
		{"left", &p.Left},
	} {
		s := qp.Get(c.name)
		if s == "" {
			continue
		}
		v, err := bittorrent.ParseByteCount(s)
		if err == bittorrent.ErrNegativeStats {
			return nil, err
		} else if err != nil {
			return nil, bittorrent.ClientError("failed to parse parameter: " + c.name)
		}
		*c.dst = v
	}

	return p, nil
}
