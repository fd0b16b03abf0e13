// Package fingerprint implements a Check that only lets through clients
// whose fingerprint is on an allowlist.
package fingerprint

import (
	"context"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "fingerprint"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(_ storage.Stores) (middleware.Check, error) {
	return NewCheck(), nil
}

// Reason is the rejection reason of this check.
const Reason = "Client fingerprint not allowed."

type check struct{}

// NewCheck returns an instance of the fingerprint allowlist check.
func NewCheck() middleware.Check {
	return check{}
}

func (check) Name() string { return Name }

func (check) Enabled(cfg *config.TrackerConfig) bool {
	return len(cfg.AllowedFingerprints) > 0
}

func (check) Check(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	for _, fp := range cfg.AllowedFingerprints {
		if fp == p.Fingerprint {
			return middleware.Accept, nil
		}
	}
	return middleware.Reject(Reason), nil
}
