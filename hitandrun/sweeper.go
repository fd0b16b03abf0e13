package hitandrun

import (
	"context"
	"sync"
	"time"

	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/pkg/stop"
	"github.com/chihaya/privtracker/pkg/timecache"
	"github.com/chihaya/privtracker/storage"
)

const defaultSweepInterval = 5 * time.Minute

// SweeperConfig holds the configuration of a Sweeper.
type SweeperConfig struct {
	Interval time.Duration `yaml:"sweep_interval"`
}

// LogFields renders the current config as a set of log fields.
func (cfg SweeperConfig) LogFields() log.Fields {
	return log.Fields{"sweepInterval": cfg.Interval}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg SweeperConfig) Validate() SweeperConfig {
	validcfg := cfg
	if cfg.Interval <= 0 {
		validcfg.Interval = defaultSweepInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "hitandrun.SweepInterval",
			"provided": cfg.Interval,
			"default":  validcfg.Interval,
		})
	}
	return validcfg
}

// Sweeper flags users who went silent without seeding long enough. It
// catches clients that disappear without sending a stopped event.
type Sweeper struct {
	cfg     SweeperConfig
	clock   timecache.Clock
	configs config.Provider
	store   storage.HitAndRunStore

	closing chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewSweeper returns a Sweeper. It does not sweep until Start is called.
func NewSweeper(provided SweeperConfig, clock timecache.Clock, configs config.Provider, store storage.HitAndRunStore) *Sweeper {
	return &Sweeper{
		cfg:     provided.Validate(),
		clock:   clock,
		configs: configs,
		store:   store,
		closing: make(chan struct{}),
	}
}

// Sweep flags every unflagged record whose user last seeded more than a
// grace period ago with too little seeding time, and returns how many were
// flagged.
//
// Failing to flag one record is logged and does not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { promSweepDurationMilliseconds.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)) }()

	cfg, err := s.configs.Current(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.clock.Now().Add(-time.Duration(cfg.GracePeriodMinutes()) * time.Minute)
	pending, err := s.store.PendingHitAndRuns(ctx, cutoff, cfg.RequiredSeedingMinutes)
	if err != nil {
		return 0, err
	}

	var flagged int
	for _, r := range pending {
		changed, err := s.store.FlagHitAndRun(ctx, r.UserID, r.TorrentID, cutoff, cfg.RequiredSeedingMinutes)
		if err != nil {
			log.Warn("hitandrun: failed to flag record", r, log.Err(err))
			continue
		}
		if changed {
			flagged++
			promFlaggedTotal.WithLabelValues("sweep").Inc()
			log.Info("hitandrun: flagged by sweep", r)
		}
	}

	log.Debug("hitandrun: sweep finished", log.Fields{
		"cutoff":  cutoff,
		"pending": len(pending),
		"flagged": flagged,
	})
	return flagged, nil
}

// Start sweeps every configured interval until the Sweeper is stopped.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()

		for {
			select {
			case <-s.closing:
				return
			case <-t.C:
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					select {
					case <-s.closing:
						cancel()
					case <-ctx.Done():
					}
				}()

				if _, err := s.Sweep(ctx); err != nil {
					log.Error("hitandrun: sweep failed", log.Err(err))
				}
				cancel()
			}
		}
	}()
}

// Stop stops a running Sweeper, waiting for an ongoing sweep to end.
func (s *Sweeper) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		s.once.Do(func() { close(s.closing) })
		s.wg.Wait()
		c.Done()
	}()
	return c.Result()
}
