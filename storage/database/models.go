package database

import (
	"time"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/storage"
)

var stoppedEvent = bittorrent.Stopped.String()

// left is reserved in SQL, hence left_bytes.
type peerRecord struct {
	UserID         string `gorm:"primaryKey"`
	TorrentID      string `gorm:"primaryKey;index"`
	PeerID         string `gorm:"primaryKey"`
	IP             string
	Uploaded       uint64
	Downloaded     uint64
	Left           uint64 `gorm:"column:left_bytes"`
	Event          string
	LastAnnounceAt time.Time `gorm:"index"`
}

func newPeerRecord(r storage.PeerRecord) peerRecord {
	return peerRecord{
		UserID:         r.UserID,
		TorrentID:      r.TorrentID,
		PeerID:         r.PeerID,
		IP:             r.IP,
		Uploaded:       r.Uploaded,
		Downloaded:     r.Downloaded,
		Left:           r.Left,
		Event:          r.Event.String(),
		LastAnnounceAt: r.LastAnnounceAt.UTC(),
	}
}

func (row peerRecord) record() (storage.PeerRecord, error) {
	event, err := bittorrent.NewEvent(row.Event)
	if err != nil {
		return storage.PeerRecord{}, err
	}

	return storage.PeerRecord{
		UserID:         row.UserID,
		TorrentID:      row.TorrentID,
		PeerID:         row.PeerID,
		IP:             row.IP,
		Uploaded:       row.Uploaded,
		Downloaded:     row.Downloaded,
		Left:           row.Left,
		Event:          event,
		LastAnnounceAt: row.LastAnnounceAt,
	}, nil
}

// announceEntry is one line of the announce log the IP abuse checks count
// distinct values in.
type announceEntry struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	UserID      string    `gorm:"index"`
	IP          string    `gorm:"index"`
	AnnouncedAt time.Time `gorm:"index"`
}

type torrentSnatch struct {
	TorrentID string `gorm:"primaryKey"`
	Snatches  uint32
}

type hitAndRun struct {
	UserID           string `gorm:"primaryKey"`
	TorrentID        string `gorm:"primaryKey"`
	DownloadedAt     time.Time
	LastSeededAt     *time.Time `gorm:"index"`
	TotalSeedingTime int64
	IsHitAndRun      bool `gorm:"index"`
}

func newHitAndRun(r storage.HitAndRunRecord) hitAndRun {
	return hitAndRun{
		UserID:           r.UserID,
		TorrentID:        r.TorrentID,
		DownloadedAt:     r.DownloadedAt.UTC(),
		LastSeededAt:     utcPtr(r.LastSeededAt),
		TotalSeedingTime: r.TotalSeedingTime,
		IsHitAndRun:      r.IsHitAndRun,
	}
}

func (row hitAndRun) record() storage.HitAndRunRecord {
	return storage.HitAndRunRecord{
		UserID:           row.UserID,
		TorrentID:        row.TorrentID,
		DownloadedAt:     row.DownloadedAt,
		LastSeededAt:     row.LastSeededAt,
		TotalSeedingTime: row.TotalSeedingTime,
		IsHitAndRun:      row.IsHitAndRun,
	}
}

type rateLimitCounter struct {
	UserID        string `gorm:"primaryKey"`
	LastCheckedAt time.Time
	AnnounceCount int
	CooldownUntil *time.Time
	Reason        string
}

func newRateLimitCounter(c storage.RateLimitCounter) rateLimitCounter {
	return rateLimitCounter{
		UserID:        c.UserID,
		LastCheckedAt: c.LastCheckedAt.UTC(),
		AnnounceCount: c.AnnounceCount,
		CooldownUntil: utcPtr(c.CooldownUntil),
		Reason:        c.Reason,
	}
}

func (row rateLimitCounter) record() storage.RateLimitCounter {
	return storage.RateLimitCounter{
		UserID:        row.UserID,
		LastCheckedAt: row.LastCheckedAt,
		AnnounceCount: row.AnnounceCount,
		CooldownUntil: row.CooldownUntil,
		Reason:        row.Reason,
	}
}

type ban struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"index"`
	Passkey   string `gorm:"index"`
	PeerID    string `gorm:"index"`
	IP        string `gorm:"index"`
	Reason    string
	ExpiresAt *time.Time
}

func (row ban) record() storage.BanRecord {
	return storage.BanRecord{
		ID:        row.ID,
		UserID:    row.UserID,
		Passkey:   row.Passkey,
		PeerID:    row.PeerID,
		IP:        row.IP,
		Reason:    row.Reason,
		ExpiresAt: row.ExpiresAt,
	}
}

type torrent struct {
	ID   string `gorm:"primaryKey"`
	Size uint64
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return storage.TimePtr(t.UTC())
}
