package middleware

import (
	"context"
	"time"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/pkg/log"
)

// Decision is the verdict of a Check on an announce.
//
// A rejection is an expected outcome, never an error: errors are reserved
// for failures of the stores a check depends on.
type Decision struct {
	Rejected bool
	Reason   string
	// RetryAfter is set when the client may succeed after waiting.
	RetryAfter time.Duration
}

// Accept is the Decision letting an announce through.
var Accept = Decision{}

// Reject returns a Decision rejecting an announce for reason.
func Reject(reason string) Decision {
	return Decision{Rejected: true, Reason: reason}
}

// RejectRetry returns a Decision rejecting an announce for reason until
// retryAfter has passed.
func RejectRetry(reason string, retryAfter time.Duration) Decision {
	return Decision{Rejected: true, Reason: reason, RetryAfter: retryAfter}
}

// Err converts a rejection to a bittorrent.ClientError so that a transport
// can render it like any other client error. Err returns nil for an
// accepting Decision.
func (d Decision) Err() error {
	if !d.Rejected {
		return nil
	}
	return bittorrent.ClientError(d.Reason)
}

// LogFields renders the decision as a set of log fields.
func (d Decision) LogFields() log.Fields {
	return log.Fields{
		"rejected":   d.Rejected,
		"reason":     d.Reason,
		"retryAfter": d.RetryAfter,
	}
}

// Check is one anti-abuse rule evaluated against an announce.
type Check interface {
	// Name is the name the check is registered and reported under.
	Name() string

	// Enabled reports whether the check runs under cfg.
	Enabled(cfg *config.TrackerConfig) bool

	// Check evaluates an announce. Identifiers the check needs that are
	// missing from p make it accept.
	Check(ctx context.Context, cfg *config.TrackerConfig, p *bittorrent.AnnounceParams) (Decision, error)
}

// StatefulCheck is implemented by checks that write to a store while
// checking. They must run after every other check so that an announce
// rejected by a cheaper rule never consumes state.
type StatefulCheck interface {
	Check
	Stateful() bool
}

func isStateful(c Check) bool {
	sc, ok := c.(StatefulCheck)
	return ok && sc.Stateful()
}

// CeilSeconds rounds d up to whole seconds for reasons shown to users.
func CeilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
