// Package clientapproval implements a Check that rejects an announce based
// on a whitelist or blacklist of BitTorrent client names.
package clientapproval

import (
	"context"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name by which this check is registered.
const Name = "client approval"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewCheck(_ storage.Stores) (middleware.Check, error) {
	return NewCheck(), nil
}

// Rejection reasons of this check.
const (
	ReasonNotWhitelisted = "Client not whitelisted."
	ReasonBlacklisted    = "Client is blacklisted."
)

type check struct{}

// NewCheck returns an instance of the client approval check.
func NewCheck() middleware.Check {
	return check{}
}

func (check) Name() string { return Name }

func (check) Enabled(cfg *config.TrackerConfig) bool {
	return len(cfg.WhitelistedClients) > 0 || len(cfg.BlacklistedClients) > 0
}

// Check matches the client string exactly. An announce without a client
// string fails a configured whitelist.
func (check) Check(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (middleware.Decision, error) {
	if len(cfg.WhitelistedClients) > 0 && !contains(cfg.WhitelistedClients, p.Client) {
		return middleware.Reject(ReasonNotWhitelisted), nil
	}

	if contains(cfg.BlacklistedClients, p.Client) {
		return middleware.Reject(ReasonBlacklisted), nil
	}

	return middleware.Accept, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
