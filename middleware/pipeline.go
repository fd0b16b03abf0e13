package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/storage"
)

// DefaultOrder lists the registered check names in the order they run by
// default.
var DefaultOrder = []string{
	"ghost leeching",
	"cheating client",
	"ip abuse",
	"announce rate",
	"invalid stats",
	"peer ban",
	"client approval",
	"fingerprint",
	"announce rate limit",
}

// Pipeline runs checks in order and stops at the first rejection.
type Pipeline struct {
	checks []Check
}

// NewPipeline returns a Pipeline running checks in the provided order.
//
// It fails if a stateful check precedes a stateless one.
func NewPipeline(checks ...Check) (*Pipeline, error) {
	seenStateful := ""
	for _, c := range checks {
		switch {
		case isStateful(c):
			seenStateful = c.Name()
		case seenStateful != "":
			return nil, fmt.Errorf("check %q must run before stateful check %q", c.Name(), seenStateful)
		}
	}

	return &Pipeline{checks: checks}, nil
}

// PipelineFromNames builds the registered checks named in names into a
// Pipeline. An empty list selects DefaultOrder.
func PipelineFromNames(names []string, stores storage.Stores) (*Pipeline, error) {
	if len(names) == 0 {
		names = DefaultOrder
	}

	checks, err := ChecksFromNames(names, stores)
	if err != nil {
		return nil, err
	}

	return NewPipeline(checks...)
}

// Names returns the names of the checks in running order.
func (pl *Pipeline) Names() []string {
	names := make([]string, 0, len(pl.checks))
	for _, c := range pl.checks {
		names = append(names, c.Name())
	}
	return names
}

// Run evaluates the enabled checks against p.
//
// The first rejection is returned and later checks do not run. An error from
// a check aborts the run.
func (pl *Pipeline) Run(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (Decision, error) {
	for _, c := range pl.checks {
		if !c.Enabled(cfg) {
			continue
		}

		start := time.Now()
		d, err := c.Check(ctx, cfg, p)
		recordCheckDuration(c.Name(), d, err, time.Since(start))

		if err != nil {
			return Decision{}, err
		}
		if d.Rejected {
			log.Debug("announce rejected", log.Fields{"check": c.Name()}, d, p)
			return d, nil
		}
	}

	return Accept, nil
}
