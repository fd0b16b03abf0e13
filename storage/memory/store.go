// Package memory implements the storage interface for a privtracker
// keeping every record in memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/pkg/stop"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this store is registered.
const Name = "memory"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultGarbageCollectionInterval   = time.Minute * 3
	defaultAnnounceLogRetention        = time.Hour * 48
)

func init() {
	// Register the storage driver.
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewStore(icfg interface{}) (storage.Store, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a memory Store.
type Config struct {
	GarbageCollectionInterval   time.Duration `yaml:"gc_interval"`
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	AnnounceLogRetention        time.Duration `yaml:"announce_log_retention"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":                 Name,
		"gcInterval":           cfg.GarbageCollectionInterval,
		"promReportInterval":   cfg.PrometheusReportingInterval,
		"announceLogRetention": cfg.AnnounceLogRetention,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.GarbageCollectionInterval <= 0 {
		validcfg.GarbageCollectionInterval = defaultGarbageCollectionInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".GarbageCollectionInterval",
			"provided": cfg.GarbageCollectionInterval,
			"default":  validcfg.GarbageCollectionInterval,
		})
	}

	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PrometheusReportingInterval",
			"provided": cfg.PrometheusReportingInterval,
			"default":  validcfg.PrometheusReportingInterval,
		})
	}

	if cfg.AnnounceLogRetention <= 0 {
		validcfg.AnnounceLogRetention = defaultAnnounceLogRetention
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".AnnounceLogRetention",
			"provided": cfg.AnnounceLogRetention,
			"default":  validcfg.AnnounceLogRetention,
		})
	}

	return validcfg
}

// New creates a new Store backed by memory.
func New(provided Config) (storage.Store, error) {
	cfg := provided.Validate()
	s := &store{
		cfg:       cfg,
		peers:     make(map[bittorrent.PeerKey]storage.PeerRecord),
		userIPs:   make(map[string]map[string]time.Time),
		ipUsers:   make(map[string]map[string]time.Time),
		snatches:  make(map[string]uint32),
		hnrs:      make(map[pairKey]storage.HitAndRunRecord),
		counters:  make(map[string]storage.RateLimitCounter),
		torrents:  make(map[string]storage.Torrent),
		nextBanID: 1,
		closed:    make(chan struct{}),
	}

	// Start a goroutine for garbage collection.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.closed:
				return
			case <-time.After(cfg.GarbageCollectionInterval):
				before := time.Now().Add(-cfg.AnnounceLogRetention)
				log.Debug("storage: pruning announce log", log.Fields{"before": before})
				s.collectGarbage(before)
			}
		}
	}()

	// Start a goroutine for reporting statistics to Prometheus.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(cfg.PrometheusReportingInterval)
		for {
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
				before := time.Now()
				s.populateProm()
				log.Debug("storage: populateProm() finished", log.Fields{"timeTaken": time.Since(before)})
			}
		}
	}()

	return s, nil
}

type pairKey struct {
	userID    string
	torrentID string
}

type store struct {
	cfg Config

	mu    sync.RWMutex
	peers map[bittorrent.PeerKey]storage.PeerRecord
	// The announce log, indexed both ways by the latest announce time of
	// every (user, IP) pair.
	userIPs   map[string]map[string]time.Time
	ipUsers   map[string]map[string]time.Time
	snatches  map[string]uint32
	hnrs      map[pairKey]storage.HitAndRunRecord
	counters  map[string]storage.RateLimitCounter
	bans      []storage.BanRecord
	nextBanID uint64
	torrents  map[string]storage.Torrent

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

func (s *store) panicIfClosed() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

// populateProm aggregates metrics over all records and then posts them to
// prometheus.
func (s *store) populateProm() {
	var stats storage.Stats

	s.mu.RLock()
	for _, r := range s.peers {
		stats.PeerRecords++
		if r.Event == bittorrent.Stopped {
			continue
		}
		if r.Seeding() {
			stats.Seeders++
		} else {
			stats.Leechers++
		}
	}
	for _, r := range s.hnrs {
		if r.IsHitAndRun {
			stats.HitAndRuns++
		}
	}
	s.mu.RUnlock()

	storage.ReportStats(stats)
}

func touch(index map[string]map[string]time.Time, outer, inner string, at time.Time) {
	m, ok := index[outer]
	if !ok {
		m = make(map[string]time.Time)
		index[outer] = m
	}
	if prev, ok := m[inner]; !ok || prev.Before(at) {
		m[inner] = at
	}
}

func (s *store) PeerRecord(_ context.Context, key bittorrent.PeerKey) (storage.PeerRecord, error) {
	s.panicIfClosed()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.peers[key]
	if !ok {
		return storage.PeerRecord{}, storage.ErrResourceDoesNotExist
	}
	return r, nil
}

func (s *store) PutPeerRecord(_ context.Context, r storage.PeerRecord) error {
	s.panicIfClosed()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers[r.Key()] = r

	if r.UserID != "" && r.IP != "" {
		touch(s.userIPs, r.UserID, r.IP, r.LastAnnounceAt)
		touch(s.ipUsers, r.IP, r.UserID, r.LastAnnounceAt)
	}

	if r.Event == bittorrent.Completed {
		s.snatches[r.TorrentID]++
	}

	return nil
}

func (s *store) TransferHistory(_ context.Context, userID, torrentID string) (storage.TransferHistory, error) {
	s.panicIfClosed()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var h storage.TransferHistory
	for k, r := range s.peers {
		if k.UserID != userID || k.TorrentID != torrentID {
			continue
		}
		h.Records++
		h.AnyDownloaded = h.AnyDownloaded || r.Downloaded > 0
		h.AnyUploaded = h.AnyUploaded || r.Uploaded > 0
	}
	return h, nil
}

func (s *store) distinct(index map[string]map[string]time.Time, key string, since time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var values []string
	for v, at := range index[key] {
		if !at.Before(since) {
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values
}

func (s *store) DistinctIPsForUser(_ context.Context, userID string, since time.Time) ([]string, error) {
	s.panicIfClosed()
	return s.distinct(s.userIPs, userID, since), nil
}

func (s *store) DistinctUsersForIP(_ context.Context, ip string, since time.Time) ([]string, error) {
	s.panicIfClosed()
	return s.distinct(s.ipUsers, ip, since), nil
}

func (s *store) ScrapeTorrent(_ context.Context, torrentID string, activeSince time.Time) (storage.Scrape, error) {
	s.panicIfClosed()

	s.mu.RLock()
	defer s.mu.RUnlock()

	scrape := storage.Scrape{Snatches: s.snatches[torrentID]}
	for k, r := range s.peers {
		if k.TorrentID != torrentID || r.Event == bittorrent.Stopped {
			continue
		}
		if !activeSince.IsZero() && r.LastAnnounceAt.Before(activeSince) {
			continue
		}
		if r.Seeding() {
			scrape.Complete++
		} else {
			scrape.Incomplete++
		}
	}
	return scrape, nil
}

func (s *store) HitAndRun(_ context.Context, userID, torrentID string) (storage.HitAndRunRecord, error) {
	s.panicIfClosed()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.hnrs[pairKey{userID, torrentID}]
	if !ok {
		return storage.HitAndRunRecord{}, storage.ErrResourceDoesNotExist
	}
	return r, nil
}

// UpdateHitAndRun runs fn while holding the store lock; fn must not call
// back into the store.
func (s *store) UpdateHitAndRun(_ context.Context, userID, torrentID string, fn storage.HitAndRunUpdateFunc) (storage.HitAndRunRecord, bool, error) {
	s.panicIfClosed()

	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{userID, torrentID}
	r, found := s.hnrs[k]
	if !found {
		r = storage.HitAndRunRecord{UserID: userID, TorrentID: torrentID}
	}
	if r.LastSeededAt != nil {
		r.LastSeededAt = storage.TimePtr(*r.LastSeededAt)
	}

	write, err := fn(&r, found)
	if err != nil {
		return storage.HitAndRunRecord{}, found, err
	}
	if !write {
		return r, found, nil
	}

	s.hnrs[k] = r
	return r, true, nil
}

func (s *store) PendingHitAndRuns(_ context.Context, seededBefore time.Time, requiredMinutes int64) ([]storage.HitAndRunRecord, error) {
	s.panicIfClosed()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []storage.HitAndRunRecord
	for _, r := range s.hnrs {
		if isPending(r, seededBefore, requiredMinutes) {
			pending = append(pending, r)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].UserID != pending[j].UserID {
			return pending[i].UserID < pending[j].UserID
		}
		return pending[i].TorrentID < pending[j].TorrentID
	})
	return pending, nil
}

func isPending(r storage.HitAndRunRecord, seededBefore time.Time, requiredMinutes int64) bool {
	return !r.IsHitAndRun &&
		r.LastSeededAt != nil &&
		r.LastSeededAt.Before(seededBefore) &&
		r.TotalSeedingTime < requiredMinutes
}

func (s *store) FlagHitAndRun(_ context.Context, userID, torrentID string, seededBefore time.Time, requiredMinutes int64) (bool, error) {
	s.panicIfClosed()

	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{userID, torrentID}
	r, ok := s.hnrs[k]
	if !ok {
		return false, storage.ErrResourceDoesNotExist
	}
	if !isPending(r, seededBefore, requiredMinutes) {
		return false, nil
	}

	r.IsHitAndRun = true
	s.hnrs[k] = r
	return true, nil
}

func (s *store) ConsumeAnnounce(_ context.Context, userID string, now time.Time, policy storage.RateLimitPolicy) (storage.RateLimitResult, error) {
	s.panicIfClosed()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, found := s.counters[userID]
	if !found {
		c = storage.RateLimitCounter{UserID: userID}
	}

	res, mutated := storage.StepRateLimit(&c, found, now, policy)
	if mutated {
		s.counters[userID] = c
	}
	return res, nil
}

func (s *store) RateLimitCounter(_ context.Context, userID string) (storage.RateLimitCounter, error) {
	s.panicIfClosed()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counters[userID]
	if !ok {
		return storage.RateLimitCounter{}, storage.ErrResourceDoesNotExist
	}
	return c, nil
}

func (s *store) ActiveBan(_ context.Context, q storage.BanQuery, now time.Time) (storage.BanRecord, bool, error) {
	s.panicIfClosed()

	if q.Empty() {
		return storage.BanRecord{}, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bans {
		if b.Active(now) && b.Matches(q) {
			return b, true, nil
		}
	}
	return storage.BanRecord{}, false, nil
}

func (s *store) PutBan(_ context.Context, b storage.BanRecord) (storage.BanRecord, error) {
	s.panicIfClosed()

	s.mu.Lock()
	defer s.mu.Unlock()

	b.ID = s.nextBanID
	s.nextBanID++
	s.bans = append(s.bans, b)
	return b, nil
}

func (s *store) Torrent(_ context.Context, id string) (storage.Torrent, error) {
	s.panicIfClosed()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.torrents[id]
	if !ok {
		return storage.Torrent{}, storage.ErrResourceDoesNotExist
	}
	return t, nil
}

func (s *store) PutTorrent(_ context.Context, t storage.Torrent) error {
	s.panicIfClosed()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.torrents[t.ID] = t
	return nil
}

func prune(index map[string]map[string]time.Time, cutoff time.Time) {
	for outer, m := range index {
		for inner, at := range m {
			if at.Before(cutoff) {
				delete(m, inner)
			}
		}
		if len(m) == 0 {
			delete(index, outer)
		}
	}
}

// collectGarbage drops announce log entries older than the cutoff time.
//
// This function must be able to execute while other methods on this interface
// are being executed in parallel.
func (s *store) collectGarbage(cutoff time.Time) {
	select {
	case <-s.closed:
		return
	default:
	}

	start := time.Now()

	s.mu.Lock()
	prune(s.userIPs, cutoff)
	prune(s.ipUsers, cutoff)
	s.mu.Unlock()

	storage.RecordGCDuration(time.Since(start))
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
