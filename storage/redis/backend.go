// Package redis shares announce rate-limit counters and per-peer announce
// locks between tracker instances through a redis server.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/redigo"
	redigolib "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/pkg/stop"
	"github.com/chihaya/privtracker/storage"
)

// Name is the name of this backend in logs and configuration.
const Name = "redis"

// Default config constants.
const (
	defaultRedisBroker         = "redis://127.0.0.1:6379/0"
	defaultRedisReadTimeout    = time.Second * 15
	defaultRedisWriteTimeout   = time.Second * 15
	defaultRedisConnectTimeout = time.Second * 15
	defaultKeyPrefix           = "privtracker:"
	defaultLockExpiry          = time.Second * 8
	defaultLockTries           = 32
	defaultLockRetryDelay      = time.Millisecond * 50
)

// ErrLockLost is returned when releasing a lock that expired while held.
var ErrLockLost = errors.New("redis lock expired before release")

// Config holds the configuration of a redis Backend.
type Config struct {
	RedisBroker         string        `yaml:"redis_broker"`
	RedisReadTimeout    time.Duration `yaml:"redis_read_timeout"`
	RedisWriteTimeout   time.Duration `yaml:"redis_write_timeout"`
	RedisConnectTimeout time.Duration `yaml:"redis_connect_timeout"`
	KeyPrefix           string        `yaml:"key_prefix"`
	LockExpiry          time.Duration `yaml:"lock_expiry"`
	LockTries           int           `yaml:"lock_tries"`
	LockRetryDelay      time.Duration `yaml:"lock_retry_delay"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":                Name,
		"redisBroker":         cfg.RedisBroker,
		"redisReadTimeout":    cfg.RedisReadTimeout,
		"redisWriteTimeout":   cfg.RedisWriteTimeout,
		"redisConnectTimeout": cfg.RedisConnectTimeout,
		"keyPrefix":           cfg.KeyPrefix,
		"lockExpiry":          cfg.LockExpiry,
		"lockTries":           cfg.LockTries,
		"lockRetryDelay":      cfg.LockRetryDelay,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	warn := func(field string, provided, def interface{}) {
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + "." + field,
			"provided": provided,
			"default":  def,
		})
	}

	if cfg.RedisBroker == "" {
		validcfg.RedisBroker = defaultRedisBroker
		warn("RedisBroker", cfg.RedisBroker, validcfg.RedisBroker)
	}

	if cfg.RedisReadTimeout <= 0 {
		validcfg.RedisReadTimeout = defaultRedisReadTimeout
		warn("RedisReadTimeout", cfg.RedisReadTimeout, validcfg.RedisReadTimeout)
	}

	if cfg.RedisWriteTimeout <= 0 {
		validcfg.RedisWriteTimeout = defaultRedisWriteTimeout
		warn("RedisWriteTimeout", cfg.RedisWriteTimeout, validcfg.RedisWriteTimeout)
	}

	if cfg.RedisConnectTimeout <= 0 {
		validcfg.RedisConnectTimeout = defaultRedisConnectTimeout
		warn("RedisConnectTimeout", cfg.RedisConnectTimeout, validcfg.RedisConnectTimeout)
	}

	if cfg.KeyPrefix == "" {
		validcfg.KeyPrefix = defaultKeyPrefix
	}

	if cfg.LockExpiry <= 0 {
		validcfg.LockExpiry = defaultLockExpiry
		warn("LockExpiry", cfg.LockExpiry, validcfg.LockExpiry)
	}

	if cfg.LockTries <= 0 {
		validcfg.LockTries = defaultLockTries
		warn("LockTries", cfg.LockTries, validcfg.LockTries)
	}

	if cfg.LockRetryDelay <= 0 {
		validcfg.LockRetryDelay = defaultLockRetryDelay
		warn("LockRetryDelay", cfg.LockRetryDelay, validcfg.LockRetryDelay)
	}

	return validcfg
}

// Backend serves rate-limit counters and announce locks from redis.
type Backend struct {
	cfg     Config
	pool    *redigolib.Pool
	redsync *redsync.Redsync
}

var (
	_ storage.RateLimitStore = &Backend{}
	_ storage.Locker         = &Backend{}
	_ stop.Stopper           = &Backend{}
)

// New connects to the redis server of the config.
func New(provided Config) (*Backend, error) {
	cfg := provided.Validate()

	u, err := parseBrokerURL(cfg.RedisBroker)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis broker")
	}

	c := &connector{
		url:            u,
		readTimeout:    cfg.RedisReadTimeout,
		writeTimeout:   cfg.RedisWriteTimeout,
		connectTimeout: cfg.RedisConnectTimeout,
	}
	pool := c.newPool()

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to reach redis")
	}

	return &Backend{
		cfg:     cfg,
		pool:    pool,
		redsync: redsync.New(redigo.NewPool(pool)),
	}, nil
}

func (b *Backend) rateLimitKey(userID string) string {
	return b.cfg.KeyPrefix + "ratelimit:" + userID
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ConsumeAnnounce implements storage.RateLimitStore in a single script so
// concurrent announces of a user never lose an increment.
func (b *Backend) ConsumeAnnounce(ctx context.Context, userID string, now time.Time, policy storage.RateLimitPolicy) (storage.RateLimitResult, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return storage.RateLimitResult{}, errors.Wrap(err, "failed to get redis connection")
	}
	defer conn.Close()

	ttl := policy.Window + policy.Cooldown
	if ttl < time.Second {
		ttl = time.Second
	}

	reply, err := redigolib.Values(consumeAnnounceScript.Do(conn,
		b.rateLimitKey(userID),
		now.UnixMilli(),
		policy.Limit,
		policy.Window.Milliseconds(),
		policy.Cooldown.Milliseconds(),
		storage.CooldownReason(policy),
		ttl.Milliseconds(),
	))
	if err != nil {
		return storage.RateLimitResult{}, errors.Wrap(err, "failed to consume announce")
	}

	var (
		allowed, retryAfter, count, lastChecked, cooldownUntil int64
		reason                                                 string
	)
	if _, err := redigolib.Scan(reply, &allowed, &retryAfter, &count, &lastChecked, &cooldownUntil, &reason); err != nil {
		return storage.RateLimitResult{}, errors.Wrap(err, "unexpected rate limit reply")
	}

	res := storage.RateLimitResult{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryAfter) * time.Millisecond,
		Counter: storage.RateLimitCounter{
			UserID:        userID,
			LastCheckedAt: fromMillis(lastChecked),
			AnnounceCount: int(count),
			Reason:        reason,
		},
	}
	if cooldownUntil != 0 {
		res.Counter.CooldownUntil = storage.TimePtr(fromMillis(cooldownUntil))
	}

	return res, nil
}

// RateLimitCounter implements storage.RateLimitStore.
func (b *Backend) RateLimitCounter(ctx context.Context, userID string) (storage.RateLimitCounter, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return storage.RateLimitCounter{}, errors.Wrap(err, "failed to get redis connection")
	}
	defer conn.Close()

	fields, err := redigolib.StringMap(conn.Do("HGETALL", b.rateLimitKey(userID)))
	if err != nil {
		return storage.RateLimitCounter{}, errors.Wrap(err, "failed to load rate limit counter")
	}
	if len(fields) == 0 {
		return storage.RateLimitCounter{}, storage.ErrResourceDoesNotExist
	}

	lastChecked, err := strconv.ParseInt(fields["last_checked_at"], 10, 64)
	if err != nil {
		return storage.RateLimitCounter{}, errors.Wrap(err, "corrupt rate limit counter")
	}
	count, err := strconv.Atoi(fields["announce_count"])
	if err != nil {
		return storage.RateLimitCounter{}, errors.Wrap(err, "corrupt rate limit counter")
	}
	cooldownUntil, err := strconv.ParseInt(fields["cooldown_until"], 10, 64)
	if err != nil {
		return storage.RateLimitCounter{}, errors.Wrap(err, "corrupt rate limit counter")
	}

	c := storage.RateLimitCounter{
		UserID:        userID,
		LastCheckedAt: fromMillis(lastChecked),
		AnnounceCount: count,
		Reason:        fields["reason"],
	}
	if cooldownUntil != 0 {
		c.CooldownUntil = storage.TimePtr(fromMillis(cooldownUntil))
	}

	return c, nil
}

// Lock implements storage.Locker with a redsync mutex, so announces of a peer
// are serialized across every tracker sharing the redis server.
func (b *Backend) Lock(ctx context.Context, key string) (storage.Unlocker, error) {
	m := b.redsync.NewMutex(b.cfg.KeyPrefix+key,
		redsync.WithExpiry(b.cfg.LockExpiry),
		redsync.WithTries(b.cfg.LockTries),
		redsync.WithRetryDelay(b.cfg.LockRetryDelay),
	)

	if err := m.LockContext(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to acquire announce lock")
	}

	return func() error {
		ok, err := m.UnlockContext(context.Background())
		if err != nil {
			return errors.Wrap(err, "failed to release announce lock")
		}
		if !ok {
			return ErrLockLost
		}
		return nil
	}, nil
}

// Stop closes the connection pool.
func (b *Backend) Stop() stop.Result {
	return stop.CloserFunc(b.pool).Stop()
}

// LogFields renders the backend as a set of log fields.
func (b *Backend) LogFields() log.Fields {
	return b.cfg.LogFields()
}
