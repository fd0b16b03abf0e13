// Package cheatclient implements a Check that rejects BitTorrent clients
// known to report fake statistics, identified by the prefix of their peer ID
// or of their fingerprint.
package cheatclient

import (
	"context"
	"strings"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "cheating client"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(storage.Stores) (middleware.Check, error) {
	return NewCheck(), nil
}

// Reason is the rejection reason of this check.
const Reason = "Cheating client detected."

type check struct{}

// NewCheck returns a cheating client check.
func NewCheck() middleware.Check {
	return check{}
}

func (check) Name() string { return Name }

func (check) Enabled(cfg *config.TrackerConfig) bool {
	return cfg.EnableCheatingClientCheck
}

// hasAnyPrefix reports whether s starts with one of prefixes. Matching is
// case-sensitive and empty prefixes never match.
func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func (check) Check(_ context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	if id := p.ClientPeerID(); id != "" && hasAnyPrefix(id, cfg.CheatingClientPeerIDPrefixes) {
		return middleware.Reject(Reason), nil
	}

	if p.Fingerprint != "" && hasAnyPrefix(p.Fingerprint, cfg.CheatingClientFingerprints) {
		return middleware.Reject(Reason), nil
	}

	return middleware.Accept, nil
}
