package redis

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	redigolib "github.com/gomodule/redigo/redis"
)

// connector dials the redis server described by a broker URL.
type connector struct {
	url            *brokerURL
	readTimeout    time.Duration
	writeTimeout   time.Duration
	connectTimeout time.Duration
}

// newPool returns a pool of connections made by c.
func (c *connector) newPool() *redigolib.Pool {
	return &redigolib.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		DialContext: c.dial,
		// PINGs connections that have been idle more than 10 seconds
		TestOnBorrow: func(conn redigolib.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := conn.Do("PING")
			return err
		},
	}
}

func (c *connector) dial(ctx context.Context) (redigolib.Conn, error) {
	opts := []redigolib.DialOption{
		redigolib.DialDatabase(c.url.DB),
		redigolib.DialReadTimeout(c.readTimeout),
		redigolib.DialWriteTimeout(c.writeTimeout),
		redigolib.DialConnectTimeout(c.connectTimeout),
	}

	if c.url.Password != "" {
		opts = append(opts, redigolib.DialPassword(c.url.Password))
	}

	if c.url.SocketPath != "" {
		return redigolib.DialContext(ctx, "unix", c.url.SocketPath, opts...)
	}

	return redigolib.DialContext(ctx, "tcp", c.url.Host, opts...)
}

// A brokerURL is a parsed redis broker URL.
// The general form represented is:
//
//	redis://[password@]host][/][db]
//	redis-socket://[password@]path[?db=db]
type brokerURL struct {
	Host       string
	SocketPath string
	Password   string
	DB         int
}

// parseBrokerURL parses target into a brokerURL.
func parseBrokerURL(target string) (*brokerURL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "redis-socket" {
		return nil, errors.New("no redis scheme found")
	}

	db := 0 // default redis db

	switch u.Scheme {
	case "redis":
		parts := strings.Split(u.Path, "/")
		if len(parts) > 1 && parts[1] != "" {
			db, err = strconv.Atoi(parts[1])
			if err != nil {
				return nil, errors.Wrap(err, "invalid redis db")
			}
		}
		u.Path = ""
	case "redis-socket":
		opts, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return nil, err
		}
		if dbval := opts.Get("db"); dbval != "" {
			db, err = strconv.Atoi(dbval)
			if err != nil {
				return nil, errors.Wrap(err, "invalid redis db")
			}
		}
	}

	return &brokerURL{
		Host:       u.Host,
		SocketPath: u.Path,
		Password:   u.User.String(),
		DB:         db,
	}, nil
}
