// Package bittorrent implements the abstractions used to decouple the
// protocol of a private BitTorrent tracker from the logic of validating and
// recording Announces.
//
// Wire formats are handled elsewhere: everything here is already parsed.
package bittorrent

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/chihaya/privtracker/pkg/log"
)

// PeerKey is the natural key of a peer: one BitTorrent client instance of a
// user in the swarm of a torrent.
type PeerKey struct {
	UserID    string
	TorrentID string
	PeerID    string
}

// Complete reports whether every component of the key is present.
func (k PeerKey) Complete() bool {
	return k.UserID != "" && k.TorrentID != "" && k.PeerID != ""
}

// String implements fmt.Stringer.
func (k PeerKey) String() string {
	return k.UserID + "/" + k.TorrentID + "/" + k.PeerID
}

// AnnounceParams represents the parsed parameters of an announce request,
// enriched with the size of the torrent from the catalog.
//
// An empty identifier means the identifier was not supplied. Checks that need
// an absent identifier do not reject the announce.
type AnnounceParams struct {
	UserID    string
	TorrentID string
	// PeerID identifies the peer within the PeerKey.
	PeerID string
	// PeerIDRaw is the peer_id exactly as sent by the client; its leading
	// bytes identify the client software. Empty when the transport keys
	// peers by the raw value itself.
	PeerIDRaw   string
	IP          string
	Passkey     string
	Fingerprint string
	// Client is the client name string, e.g. "qBittorrent/4.6.2".
	Client string

	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event

	TorrentSize uint64

	// Timestamp is when the tracker received the announce.
	Timestamp time.Time
}

// Key returns the PeerKey of the announcing peer.
func (p *AnnounceParams) Key() PeerKey {
	return PeerKey{UserID: p.UserID, TorrentID: p.TorrentID, PeerID: p.PeerID}
}

// ClientPeerID returns the peer_id as sent by the client.
func (p *AnnounceParams) ClientPeerID() string {
	if p.PeerIDRaw != "" {
		return p.PeerIDRaw
	}
	return p.PeerID
}

// Seeding reports whether the announcing peer has the complete content.
func (p *AnnounceParams) Seeding() bool { return p.Left == 0 }

// LogFields renders the current request as a set of log fields.
func (p AnnounceParams) LogFields() log.Fields {
	return log.Fields{
		"userID":      p.UserID,
		"torrentID":   p.TorrentID,
		"peerID":      p.PeerID,
		"peerIDRaw":   p.PeerIDRaw,
		"ip":          p.IP,
		"client":      p.Client,
		"fingerprint": p.Fingerprint,
		"uploaded":    p.Uploaded,
		"downloaded":  p.Downloaded,
		"left":        p.Left,
		"event":       p.Event,
		"torrentSize": p.TorrentSize,
		"timestamp":   p.Timestamp,
	}
}

// AnnounceResponse represents the outcome of an announce that the transport
// renders either as a failure reason or as a peer list.
type AnnounceResponse struct {
	Rejected    bool
	Reason      string
	RetryAfter  time.Duration
	Interval    time.Duration
	MinInterval time.Duration
	Complete    uint32
	Incomplete  uint32
	Snatches    uint32
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"rejected":    r.Rejected,
		"reason":      r.Reason,
		"retryAfter":  r.RetryAfter,
		"interval":    r.Interval,
		"minInterval": r.MinInterval,
		"complete":    r.Complete,
		"incomplete":  r.Incomplete,
		"snatches":    r.Snatches,
	}
}

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }

// ErrNegativeStats is returned when a transfer counter is negative.
var ErrNegativeStats = ClientError("Invalid stats: Negative values are not allowed.")

// ParseByteCount parses a decimal transfer counter as sent by a client.
//
// Counters are unsigned 64-bit values; a negative number yields
// ErrNegativeStats so the rejection surfaces like any other invalid stat.
// "-0" is zero.
func ParseByteCount(s string) (uint64, error) {
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseUint(s[1:], 10, 64)
		switch {
		case err == nil && v == 0:
			return 0, nil
		case err == nil || errors.Is(err, strconv.ErrRange):
			return 0, ErrNegativeStats
		default:
			return 0, err
		}
	}
	return strconv.ParseUint(s, 10, 64)
}

// ByteCountFromInt converts a signed counter to its unsigned representation.
func ByteCountFromInt(v int64) (uint64, error) {
	if v < 0 {
		return 0, ErrNegativeStats
	}
	return uint64(v), nil
}
