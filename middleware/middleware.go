// Package middleware implements the announce core of the tracker: an ordered
// pipeline of anti-abuse checks and the Logic that runs it and records
// accepted announces.
package middleware

import (
	"errors"
	"sync"

	"github.com/chihaya/privtracker/storage"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)

	// ErrDriverDoesNotExist is the error returned by New when a check driver
	// with that name does not exist.
	ErrDriverDoesNotExist = errors.New("check driver with that name does not exist")
)

// Driver is the interface used to initialize a new type of Check.
//
// Checks receive the store bundle at construction and read every tunable
// from the config snapshot passed to Check.
type Driver interface {
	NewCheck(stores storage.Stores) (Check, error)
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("middleware: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("middleware: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("middleware: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// New attempts to initialize a new Check from the list of registered
// Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func New(name string, stores storage.Stores) (Check, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewCheck(stores)
}

// ChecksFromNames is a utility function for initializing Checks in bulk.
func ChecksFromNames(names []string, stores storage.Stores) (checks []Check, err error) {
	for _, name := range names {
		var c Check
		c, err = New(name, stores)
		if err != nil {
			return nil, err
		}

		checks = append(checks, c)
	}

	return
}
