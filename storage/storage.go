// Package storage defines the persistent state read and written while
// processing announces: peer records, hit-and-run records, rate-limit
// counters, bans and the torrent catalog.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of Store.
type Driver interface {
	NewStore(cfg interface{}) (Store, error)
}

// ErrResourceDoesNotExist is the error returned by lookups in the store if
// the requested resource does not exist.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// ErrDriverDoesNotExist is the error returned by NewStore when a store
// driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("store driver with that name does not exist")

// PeerRecordStore persists the announce state of every peer.
//
// Implementations must upsert on the natural key (user, torrent, peer) so
// that concurrent first announces cannot create duplicates.
type PeerRecordStore interface {
	// PeerRecord returns the stored state of the peer identified by key.
	//
	// Returns ErrResourceDoesNotExist if the peer never announced.
	PeerRecord(ctx context.Context, key bittorrent.PeerKey) (PeerRecord, error)

	// PutPeerRecord creates or replaces the record of an accepted announce.
	// It also appends the announce to the announce log and, for a Completed
	// event, increments the snatch counter of the torrent.
	PutPeerRecord(ctx context.Context, r PeerRecord) error

	// TransferHistory summarizes every peer record of a user for a torrent.
	TransferHistory(ctx context.Context, userID, torrentID string) (TransferHistory, error)

	// DistinctIPsForUser returns the IPs a user announced from since the
	// provided time.
	DistinctIPsForUser(ctx context.Context, userID string, since time.Time) ([]string, error)

	// DistinctUsersForIP returns the non-empty user IDs that announced from
	// an IP since the provided time.
	DistinctUsersForIP(ctx context.Context, ip string, since time.Time) ([]string, error)

	// ScrapeTorrent counts the seeders and leechers of a torrent along with
	// its lifetime snatches.
	//
	// Peers whose last event was Stopped are not counted. If activeSince is
	// not the zero time, peers that have not announced since then are not
	// counted either. An unknown torrent yields an empty Scrape.
	ScrapeTorrent(ctx context.Context, torrentID string, activeSince time.Time) (Scrape, error)
}

// HitAndRunUpdateFunc mutates a hit-and-run record in place.
//
// found is false when no record exists yet, in which case r only carries its
// key. The record is persisted only when write is true.
type HitAndRunUpdateFunc func(r *HitAndRunRecord, found bool) (write bool, err error)

// HitAndRunStore persists per (user, torrent) seeding obligations.
type HitAndRunStore interface {
	// HitAndRun returns the record of a user for a torrent.
	//
	// Returns ErrResourceDoesNotExist if none was created.
	HitAndRun(ctx context.Context, userID, torrentID string) (HitAndRunRecord, error)

	// UpdateHitAndRun atomically reads, mutates and writes a record.
	// It returns the resulting record and whether one exists afterwards.
	UpdateHitAndRun(ctx context.Context, userID, torrentID string, fn HitAndRunUpdateFunc) (HitAndRunRecord, bool, error)

	// PendingHitAndRuns returns unflagged records that last seeded before
	// seededBefore and have accumulated less than requiredMinutes.
	PendingHitAndRuns(ctx context.Context, seededBefore time.Time, requiredMinutes int64) ([]HitAndRunRecord, error)

	// FlagHitAndRun marks a record as a hit-and-run if it is still pending
	// under the same conditions as PendingHitAndRuns. It reports whether the
	// flag changed; a record that is already flagged or has seeded since is
	// left alone.
	//
	// Returns ErrResourceDoesNotExist if the record does not exist.
	FlagHitAndRun(ctx context.Context, userID, torrentID string, seededBefore time.Time, requiredMinutes int64) (bool, error)
}

// RateLimitStore persists per-user announce counters.
type RateLimitStore interface {
	// ConsumeAnnounce atomically applies one announce of a user to its
	// counter following StepRateLimit.
	ConsumeAnnounce(ctx context.Context, userID string, now time.Time, policy RateLimitPolicy) (RateLimitResult, error)

	// RateLimitCounter returns the counter of a user.
	//
	// Returns ErrResourceDoesNotExist if the user never announced.
	RateLimitCounter(ctx context.Context, userID string) (RateLimitCounter, error)
}

// BanStore answers ban lookups. Bans are managed elsewhere; PutBan exists for
// provisioning and tests.
type BanStore interface {
	// ActiveBan returns a ban active at now matching any of the non-empty
	// identifiers of q.
	ActiveBan(ctx context.Context, q BanQuery, now time.Time) (BanRecord, bool, error)

	// PutBan stores a ban and returns it with its ID assigned.
	PutBan(ctx context.Context, b BanRecord) (BanRecord, error)
}

// TorrentCatalog answers torrent lookups.
type TorrentCatalog interface {
	// Torrent returns the catalog entry of a torrent.
	//
	// Returns ErrResourceDoesNotExist if the torrent is not registered.
	Torrent(ctx context.Context, id string) (Torrent, error)

	// PutTorrent registers or replaces a torrent.
	PutTorrent(ctx context.Context, t Torrent) error
}

// Unlocker releases a lock obtained from a Locker.
type Unlocker func() error

// Locker serializes work on a key across concurrent announces.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlocker, error)
}

// Store is implemented by drivers that hold every kind of record.
type Store interface {
	PeerRecordStore
	HitAndRunStore
	RateLimitStore
	BanStore
	TorrentCatalog

	// Stopper is an interface that expects a Stop method to stop the
	// Store. For more details see the documentation in the stop package.
	stop.Stopper
}

// Stores bundles the stores the announce core depends on. Components receive
// the bundle at construction.
type Stores struct {
	Peers      PeerRecordStore
	HitAndRuns HitAndRunStore
	RateLimits RateLimitStore
	Bans       BanStore
	Torrents   TorrentCatalog
	Locker     Locker
}

// NewStores returns a bundle serving everything from s and locking with l.
func NewStores(s Store, l Locker) Stores {
	return Stores{
		Peers:      s,
		HitAndRuns: s,
		RateLimits: s,
		Bans:       s,
		Torrents:   s,
		Locker:     l,
	}
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewStore attempts to initialize a new Store with given a name from the
// list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewStore(name string, cfg interface{}) (Store, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewStore(cfg)
}
