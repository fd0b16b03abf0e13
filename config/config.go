// Package config implements the tracker configuration consumed by the
// anti-abuse checks, the rate limiter and the hit-and-run tracker.
package config

import (
	"time"

	"github.com/chihaya/privtracker/pkg/log"
)

// Default config constants.
const (
	DefaultMaxIPsPerUser           = 3
	DefaultMaxUsersPerIP           = 3
	DefaultIPAbuseWindow           = 24 * time.Hour
	DefaultMinAnnounceInterval     = 300 * time.Second
	DefaultMaxStatsJumpMultiplier  = 10
	DefaultAnnounceRateLimit       = 60
	DefaultAnnounceRateWindow      = 3600 * time.Second
	DefaultAnnounceCooldown        = 1800 * time.Second
	DefaultRequiredSeedingMinutes  = 72 * 60
	DefaultDefaultAnnounceInterval = 1800 * time.Second
)

// TrackerConfig holds every option recognized by the announce core.
//
// Boolean toggles default to false: a check is only run when its toggle is
// set. List-driven checks run whenever their list is non-empty.
type TrackerConfig struct {
	EnableGhostLeechingCheck bool `yaml:"enable_ghost_leeching_check"`

	EnableCheatingClientCheck    bool     `yaml:"enable_cheating_client_check"`
	CheatingClientPeerIDPrefixes []string `yaml:"cheating_client_peer_id_prefixes"`
	CheatingClientFingerprints   []string `yaml:"cheating_client_fingerprints"`

	EnableIPAbuseCheck bool          `yaml:"enable_ip_abuse_check"`
	MaxIPsPerUser      int           `yaml:"max_ips_per_user"`
	MaxUsersPerIP      int           `yaml:"max_users_per_ip"`
	IPAbuseWindow      time.Duration `yaml:"ip_abuse_window"`

	EnableAnnounceRateCheck bool          `yaml:"enable_announce_rate_check"`
	MinAnnounceInterval     time.Duration `yaml:"min_announce_interval"`

	EnableInvalidStatsCheck bool   `yaml:"enable_invalid_stats_check"`
	MaxStatsJumpMultiplier  uint64 `yaml:"max_stats_jump_multiplier"`

	EnablePeerBanCheck bool `yaml:"enable_peer_ban_check"`

	WhitelistedClients  []string `yaml:"whitelisted_clients"`
	BlacklistedClients  []string `yaml:"blacklisted_clients"`
	AllowedFingerprints []string `yaml:"allowed_fingerprints"`

	// AnnounceRateLimit is the number of announces a user may make per
	// AnnounceRateWindow. A negative value disables rate limiting.
	AnnounceRateLimit  int           `yaml:"announce_rate_limit"`
	AnnounceRateWindow time.Duration `yaml:"announce_rate_window"`
	AnnounceCooldown   time.Duration `yaml:"announce_cooldown"`

	RequiredSeedingMinutes  int64         `yaml:"required_seeding_minutes"`
	DefaultAnnounceInterval time.Duration `yaml:"default_announce_interval"`

	// PeerLifetime bounds how long a silent peer is still counted as a
	// seeder or leecher. Zero counts every peer that has not stopped.
	PeerLifetime time.Duration `yaml:"peer_lifetime"`
}

// Default returns a TrackerConfig with every numeric option at its default
// and every toggle off.
func Default() TrackerConfig {
	return TrackerConfig{}.Validate()
}

// GracePeriodMinutes is the number of whole minutes a seeder may stay silent
// before the hit-and-run sweep considers it gone.
func (cfg *TrackerConfig) GracePeriodMinutes() int64 {
	return int64(cfg.DefaultAnnounceInterval / time.Minute)
}

// RateLimitEnabled reports whether announces are counted per user.
func (cfg *TrackerConfig) RateLimitEnabled() bool {
	return cfg.AnnounceRateLimit > 0
}

// LogFields renders the current config as a set of log fields.
func (cfg TrackerConfig) LogFields() log.Fields {
	return log.Fields{
		"enableGhostLeechingCheck":  cfg.EnableGhostLeechingCheck,
		"enableCheatingClientCheck": cfg.EnableCheatingClientCheck,
		"cheatingPeerIDPrefixes":    cfg.CheatingClientPeerIDPrefixes,
		"cheatingFingerprints":      cfg.CheatingClientFingerprints,
		"enableIPAbuseCheck":        cfg.EnableIPAbuseCheck,
		"maxIPsPerUser":             cfg.MaxIPsPerUser,
		"maxUsersPerIP":             cfg.MaxUsersPerIP,
		"ipAbuseWindow":             cfg.IPAbuseWindow,
		"enableAnnounceRateCheck":   cfg.EnableAnnounceRateCheck,
		"minAnnounceInterval":       cfg.MinAnnounceInterval,
		"enableInvalidStatsCheck":   cfg.EnableInvalidStatsCheck,
		"maxStatsJumpMultiplier":    cfg.MaxStatsJumpMultiplier,
		"enablePeerBanCheck":        cfg.EnablePeerBanCheck,
		"whitelistedClients":        cfg.WhitelistedClients,
		"blacklistedClients":        cfg.BlacklistedClients,
		"allowedFingerprints":       cfg.AllowedFingerprints,
		"announceRateLimit":         cfg.AnnounceRateLimit,
		"announceRateWindow":        cfg.AnnounceRateWindow,
		"announceCooldown":          cfg.AnnounceCooldown,
		"requiredSeedingMinutes":    cfg.RequiredSeedingMinutes,
		"defaultAnnounceInterval":   cfg.DefaultAnnounceInterval,
		"peerLifetime":              cfg.PeerLifetime,
	}
}

func warnDefault(name string, provided, def interface{}) {
	log.Warn("falling back to default configuration", log.Fields{
		"name":     name,
		"provided": provided,
		"default":  def,
	})
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed from something
// other than its zero value.
func (cfg TrackerConfig) Validate() TrackerConfig {
	validcfg := cfg

	if cfg.MaxIPsPerUser <= 0 {
		validcfg.MaxIPsPerUser = DefaultMaxIPsPerUser
		if cfg.MaxIPsPerUser != 0 {
			warnDefault("tracker.max_ips_per_user", cfg.MaxIPsPerUser, validcfg.MaxIPsPerUser)
		}
	}

	if cfg.MaxUsersPerIP <= 0 {
		validcfg.MaxUsersPerIP = DefaultMaxUsersPerIP
		if cfg.MaxUsersPerIP != 0 {
			warnDefault("tracker.max_users_per_ip", cfg.MaxUsersPerIP, validcfg.MaxUsersPerIP)
		}
	}

	if cfg.IPAbuseWindow <= 0 {
		validcfg.IPAbuseWindow = DefaultIPAbuseWindow
		if cfg.IPAbuseWindow != 0 {
			warnDefault("tracker.ip_abuse_window", cfg.IPAbuseWindow, validcfg.IPAbuseWindow)
		}
	}

	if cfg.MinAnnounceInterval <= 0 {
		validcfg.MinAnnounceInterval = DefaultMinAnnounceInterval
		if cfg.MinAnnounceInterval != 0 {
			warnDefault("tracker.min_announce_interval", cfg.MinAnnounceInterval, validcfg.MinAnnounceInterval)
		}
	}

	if cfg.MaxStatsJumpMultiplier == 0 {
		validcfg.MaxStatsJumpMultiplier = DefaultMaxStatsJumpMultiplier
	}

	if cfg.AnnounceRateLimit == 0 {
		validcfg.AnnounceRateLimit = DefaultAnnounceRateLimit
	}

	if cfg.AnnounceRateWindow <= 0 {
		validcfg.AnnounceRateWindow = DefaultAnnounceRateWindow
		if cfg.AnnounceRateWindow != 0 {
			warnDefault("tracker.announce_rate_window", cfg.AnnounceRateWindow, validcfg.AnnounceRateWindow)
		}
	}

	if cfg.AnnounceCooldown <= 0 {
		validcfg.AnnounceCooldown = DefaultAnnounceCooldown
		if cfg.AnnounceCooldown != 0 {
			warnDefault("tracker.announce_cooldown", cfg.AnnounceCooldown, validcfg.AnnounceCooldown)
		}
	}

	if cfg.RequiredSeedingMinutes <= 0 {
		validcfg.RequiredSeedingMinutes = DefaultRequiredSeedingMinutes
		if cfg.RequiredSeedingMinutes != 0 {
			warnDefault("tracker.required_seeding_minutes", cfg.RequiredSeedingMinutes, validcfg.RequiredSeedingMinutes)
		}
	}

	if cfg.DefaultAnnounceInterval <= 0 {
		validcfg.DefaultAnnounceInterval = DefaultDefaultAnnounceInterval
		if cfg.DefaultAnnounceInterval != 0 {
			warnDefault("tracker.default_announce_interval", cfg.DefaultAnnounceInterval, validcfg.DefaultAnnounceInterval)
		}
	}

	if cfg.PeerLifetime < 0 {
		validcfg.PeerLifetime = 0
		warnDefault("tracker.peer_lifetime", cfg.PeerLifetime, validcfg.PeerLifetime)
	}

	return validcfg
}
