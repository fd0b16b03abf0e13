// Package database implements the storage interface for a privtracker
// keeping its records in a SQL database through gorm.
package database

import (
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/pkg/stop"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this store is registered.
const Name = "database"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultGarbageCollectionInterval   = time.Minute * 3
	defaultAnnounceLogRetention        = time.Hour * 48
	defaultDsn                         = "data/privtracker.sqlite"
)

func init() {
	// Register the storage drivers.
	storage.RegisterDriver("postgres", postgresDriver{})
	storage.RegisterDriver("sqlite", sqliteDriver{})
}

type postgresDriver struct{}
type sqliteDriver struct{}

func decodeConfig(icfg interface{}) (Config, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return Config{}, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	return cfg, err
}

func (d postgresDriver) NewStore(icfg interface{}) (storage.Store, error) {
	cfg, err := decodeConfig(icfg)
	if err != nil {
		return nil, err
	}
	return NewPostgres(cfg)
}

func (d sqliteDriver) NewStore(icfg interface{}) (storage.Store, error) {
	cfg, err := decodeConfig(icfg)
	if err != nil {
		return nil, err
	}
	return NewSqlite(cfg)
}

// Config holds the configuration of a database Store.
type Config struct {
	GarbageCollectionInterval   time.Duration `yaml:"gc_interval"`
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	AnnounceLogRetention        time.Duration `yaml:"announce_log_retention"`
	Dsn                         string        `yaml:"dsn"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":                 Name,
		"gcInterval":           cfg.GarbageCollectionInterval,
		"promReportInterval":   cfg.PrometheusReportingInterval,
		"announceLogRetention": cfg.AnnounceLogRetention,
		"dsn":                  cfg.Dsn,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Dsn == "" {
		validcfg.Dsn = defaultDsn
		log.Warn("falling back to default dsn", log.Fields{
			"name":     Name + ".dsn",
			"provided": cfg.Dsn,
			"default":  validcfg.Dsn,
		})
	}

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

// NewPostgres creates a new Store backed by a postgres database.
func NewPostgres(provided Config) (storage.Store, error) {
	cfg := provided.Validate()
	return open(cfg, postgres.Open(cfg.Dsn))
}

// NewSqlite creates a new Store backed by an sqlite database.
func NewSqlite(provided Config) (storage.Store, error) {
	cfg := provided.Validate()
	return open(cfg, sqlite.Open(cfg.Dsn))
}

func open(cfg Config, dialector gorm.Dialector) (storage.Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to open the database")
	}

	if db.Dialector.Name() == "sqlite" {
		// Transactions are serialized on a single connection; this also
		// keeps an in-memory database alive for the life of the Store.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "unable to access the database pool")
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	err = db.AutoMigrate(
		&peerRecord{},
		&announceEntry{},
		&torrentSnatch{},
		&hitAndRun{},
		&rateLimitCounter{},
		&ban{},
		&torrent{},
	)
	if err != nil {
		return nil, errors.Wrap(err, "unable to migrate the database")
	}

	s := &store{
		cfg:    cfg,
		db:     db,
		closed: make(chan struct{}),
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
				if err := s.collectGarbage(before); err != nil {
					log.Error("storage: failed to prune announce log", log.Err(err))
				}
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

type store struct {
	cfg    Config
	db     *gorm.DB
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

func (s *store) panicIfClosed() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped database store")
	default:
	}
}

// populateProm counts the records of every table and then posts them to
// prometheus.
func (s *store) populateProm() {
	var stats storage.Stats

	s.db.Model(&peerRecord{}).Count(&stats.PeerRecords)
	s.db.Model(&peerRecord{}).Where("event <> ? AND left_bytes = 0", stoppedEvent).Count(&stats.Seeders)
	s.db.Model(&peerRecord{}).Where("event <> ? AND left_bytes > 0", stoppedEvent).Count(&stats.Leechers)
	s.db.Model(&hitAndRun{}).Where("is_hit_and_run = ?", true).Count(&stats.HitAndRuns)

	storage.ReportStats(stats)
}

// collectGarbage deletes every announce log entry older than the cutoff
// time.
//
// This function must be able to execute while other methods on this interface
// are being executed in parallel.
func (s *store) collectGarbage(cutoff time.Time) error {
	select {
	case <-s.closed:
		return nil
	default:
	}

	start := time.Now()

	if err := s.db.Delete(&announceEntry{}, "announced_at < ?", cutoff.UTC()).Error; err != nil {
		return errors.Wrap(err, "failed to prune announce log")
	}

	storage.RecordGCDuration(time.Since(start))

	return nil
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)

	go func() {
		close(s.closed)
		s.wg.Wait()

		var errs []error
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.Done(errs...)
	}()

	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
