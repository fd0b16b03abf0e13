package storage

import (
	"time"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/pkg/log"
)

// PeerRecord is the last accepted announce of a peer.
type PeerRecord struct {
	UserID         string
	TorrentID      string
	PeerID         string
	IP             string
	Uploaded       uint64
	Downloaded     uint64
	Left           uint64
	Event          bittorrent.Event
	LastAnnounceAt time.Time
}

// PeerRecordFromParams returns the record an accepted announce leaves behind.
func PeerRecordFromParams(p *bittorrent.AnnounceParams) PeerRecord {
	return PeerRecord{
		UserID:         p.UserID,
		TorrentID:      p.TorrentID,
		PeerID:         p.PeerID,
		IP:             p.IP,
		Uploaded:       p.Uploaded,
		Downloaded:     p.Downloaded,
		Left:           p.Left,
		Event:          p.Event,
		LastAnnounceAt: p.Timestamp,
	}
}

// Key returns the natural key of the record.
func (r PeerRecord) Key() bittorrent.PeerKey {
	return bittorrent.PeerKey{UserID: r.UserID, TorrentID: r.TorrentID, PeerID: r.PeerID}
}

// Seeding reports whether the peer has the complete content.
func (r PeerRecord) Seeding() bool { return r.Left == 0 }

// LogFields renders the record as a set of log fields.
func (r PeerRecord) LogFields() log.Fields {
	return log.Fields{
		"userID":         r.UserID,
		"torrentID":      r.TorrentID,
		"peerID":         r.PeerID,
		"ip":             r.IP,
		"uploaded":       r.Uploaded,
		"downloaded":     r.Downloaded,
		"left":           r.Left,
		"event":          r.Event,
		"lastAnnounceAt": r.LastAnnounceAt,
	}
}

// TransferHistory summarizes the peer records of a user for a torrent.
type TransferHistory struct {
	Records       int
	AnyDownloaded bool
	AnyUploaded   bool
}

// Scrape is the swarm summary of a torrent.
type Scrape struct {
	Complete   uint32
	Incomplete uint32
	Snatches   uint32
}

// HitAndRunRecord tracks whether a user seeded a torrent it downloaded for
// long enough.
type HitAndRunRecord struct {
	UserID       string
	TorrentID    string
	DownloadedAt time.Time
	// LastSeededAt is nil while the user is not seeding.
	LastSeededAt *time.Time
	// TotalSeedingTime is in whole minutes.
	TotalSeedingTime int64
	IsHitAndRun      bool
}

// LogFields renders the record as a set of log fields.
func (r HitAndRunRecord) LogFields() log.Fields {
	return log.Fields{
		"userID":           r.UserID,
		"torrentID":        r.TorrentID,
		"downloadedAt":     r.DownloadedAt,
		"lastSeededAt":     r.LastSeededAt,
		"totalSeedingTime": r.TotalSeedingTime,
		"isHitAndRun":      r.IsHitAndRun,
	}
}

// RateLimitCounter counts the announces of a user in the current window.
type RateLimitCounter struct {
	UserID        string
	LastCheckedAt time.Time
	AnnounceCount int
	CooldownUntil *time.Time
	Reason        string
}

// BanRecord bans any announce matching one of its non-empty identifiers.
type BanRecord struct {
	ID      uint64
	UserID  string
	Passkey string
	PeerID  string
	IP      string
	Reason  string
	// ExpiresAt is nil for a permanent ban.
	ExpiresAt *time.Time
}

// Active reports whether the ban is in force at now.
func (b BanRecord) Active(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// Matches reports whether any identifier of q hits the ban.
func (b BanRecord) Matches(q BanQuery) bool {
	return (q.UserID != "" && q.UserID == b.UserID) ||
		(q.Passkey != "" && q.Passkey == b.Passkey) ||
		(q.PeerID != "" && q.PeerID == b.PeerID) ||
		(q.IP != "" && q.IP == b.IP)
}

// BanQuery holds the identifiers of an announce to look bans up by.
type BanQuery struct {
	UserID  string
	Passkey string
	PeerID  string
	IP      string
}

// Empty reports whether no identifier is present.
func (q BanQuery) Empty() bool {
	return q.UserID == "" && q.Passkey == "" && q.PeerID == "" && q.IP == ""
}

// Torrent is a catalog entry.
type Torrent struct {
	ID   string
	Size uint64
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time { return &t }
