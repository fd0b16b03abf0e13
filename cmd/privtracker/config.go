package main

import (
	"context"
	"errors"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/privtracker/api"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/hitandrun"
	"github.com/chihaya/privtracker/pkg/stop"
	"github.com/chihaya/privtracker/storage"
	"github.com/chihaya/privtracker/storage/memory"
	"github.com/chihaya/privtracker/storage/redis"

	// Imports to register check drivers.
	_ "github.com/chihaya/privtracker/middleware/announcerate"
	_ "github.com/chihaya/privtracker/middleware/cheatclient"
	_ "github.com/chihaya/privtracker/middleware/clientapproval"
	_ "github.com/chihaya/privtracker/middleware/fingerprint"
	_ "github.com/chihaya/privtracker/middleware/ghostleech"
	_ "github.com/chihaya/privtracker/middleware/invalidstats"
	_ "github.com/chihaya/privtracker/middleware/ipabuse"
	_ "github.com/chihaya/privtracker/middleware/peerban"
	_ "github.com/chihaya/privtracker/middleware/ratelimit"

	// Imports to register storage drivers.
	_ "github.com/chihaya/privtracker/storage/database"
)

type storageConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// Config represents the configuration used for executing the tracker.
type Config struct {
	Tracker     config.TrackerConfig    `yaml:"tracker"`
	Checks      []string                `yaml:"checks"`
	Storage     storageConfig           `yaml:"storage"`
	Redis       *redis.Config           `yaml:"redis"`
	API         api.Config              `yaml:"api"`
	MetricsAddr string                  `yaml:"metrics_addr"`
	Sweeper     hitandrun.SweeperConfig `yaml:",inline"`
}

// ConfigFile represents a namespaced YAML configuration file.
type ConfigFile struct {
	Main Config `yaml:"privtracker"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	contents, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	if cfgFile.Main.Storage.Name == "" {
		cfgFile.Main.Storage.Name = memory.Name
	}

	return &cfgFile, nil
}

// trackerLoader reloads the tracker block of the file at path.
func trackerLoader(path string) config.Loader {
	return func(_ context.Context) (config.TrackerConfig, error) {
		cfgFile, err := ParseConfigFile(path)
		if err != nil {
			return config.TrackerConfig{}, err
		}
		return cfgFile.Main.Tracker, nil
	}
}

// openStores opens the configured store and, when a redis block is present,
// moves rate limiting and announce locking to redis. The returned Group
// closes everything opened.
func openStores(cfg Config) (storage.Stores, *stop.Group, error) {
	s, err := storage.NewStore(cfg.Storage.Name, cfg.Storage.Config)
	if err != nil {
		return storage.Stores{}, nil, err
	}

	closers := stop.NewGroup()
	closers.Add(cfg.Storage.Name, s)

	if cfg.Redis == nil {
		return storage.NewStores(s, memory.NewLocker()), closers, nil
	}

	rb, err := redis.New(*cfg.Redis)
	if err != nil {
		closers.Stop().Wait()
		return storage.Stores{}, nil, err
	}
	closers.Add("redis", rb)

	stores := storage.NewStores(s, rb)
	stores.RateLimits = rb
	return stores, closers, nil
}
