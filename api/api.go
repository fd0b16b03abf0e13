// Package api implements an HTTP JSON API server in front of the announce
// core of the tracker.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/pkg/stop"
	"github.com/chihaya/privtracker/storage"
)

func init() {
	prometheus.MustRegister(promResponseDurationMilliseconds)
}

var promResponseDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "privtracker_api_response_duration_milliseconds",
		Help:    "The duration of time it takes to receive and write a response to an API request",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"route", "code"},
)

// recordResponseDuration records the duration of time to respond to a request
// in milliseconds.
func recordResponseDuration(route string, code int, duration time.Duration) {
	promResponseDurationMilliseconds.
		WithLabelValues(route, strconv.Itoa(code)).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// Default config constants.
const (
	defaultAddr         = "127.0.0.1:6880"
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Config represents all of the configurable options for the API server.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":         cfg.Addr,
		"readTimeout":  cfg.ReadTimeout,
		"writeTimeout": cfg.WriteTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Addr == "" {
		validcfg.Addr = defaultAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.Addr",
			"provided": cfg.Addr,
			"default":  validcfg.Addr,
		})
	}

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.ReadTimeout",
			"provided": cfg.ReadTimeout,
			"default":  validcfg.ReadTimeout,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "api.WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	return validcfg
}

// Server represents an API server for the tracker.
type Server struct {
	logic  *middleware.Logic
	stores storage.Stores
	srv    *http.Server
}

// NewServer returns a new API server. It does not listen until
// ListenAndServe is called.
func NewServer(provided Config, logic *middleware.Logic, stores storage.Stores) *Server {
	cfg := provided.Validate()
	s := &Server{
		logic:  logic,
		stores: stores,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler returns a router with all the routes.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.POST("/announce", makeHandler("announce", s.announce))
	r.GET("/announce", makeHandler("announce", s.announceQuery))
	r.GET("/torrents/:torrentID/counts", makeHandler("counts", s.getCounts))
	r.GET("/hitandruns/:userID/:torrentID", makeHandler("hitandrun", s.getHitAndRun))
	r.GET("/ratelimits/:userID", makeHandler("ratelimit", s.getRateLimit))
	r.GET("/check", makeHandler("check", s.check))
	return r
}

// ListenAndServe serves the API in the background. A failure to serve is
// fatal.
func (s *Server) ListenAndServe() {
	log.Info("starting API server", log.Fields{"addr": s.srv.Addr})
	go func() {
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving API", log.Err(err))
		}
	}()
}

// Stop shuts down the server, waiting for in-flight requests.
func (s *Server) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		c.Done(s.srv.Shutdown(context.Background()))
	}()
	return c.Result()
}

// ResponseHandler is an HTTP handler that returns a status code.
type ResponseHandler func(http.ResponseWriter, *http.Request, httprouter.Params) (int, error)

// makeHandler wraps a ResponseHandler while timing requests, logging, and
// handling errors.
func makeHandler(route string, handler ResponseHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		start := time.Now()
		code, err := handler(w, r, p)
		duration := time.Since(start)

		var msg string
		if err != nil {
			msg = err.Error()
		} else if code != http.StatusOK {
			msg = http.StatusText(code)
		}

		fields := log.Fields{
			"route":    route,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"code":     code,
			"duration": duration,
		}
		switch {
		case code >= http.StatusInternalServerError && err != nil:
			log.Error("api: request failed", fields, log.Err(err))
		case msg != "":
			log.Debug("api: request refused", fields, log.Fields{"msg": msg})
		default:
			log.Debug("api: request served", fields)
		}

		if msg != "" {
			if err := writeJSONStatus(w, code, errorResponse{Error: msg}); err != nil {
				log.Debug("api: failed to write response", fields, log.Err(err))
			}
		}

		recordResponseDuration(route, code, duration)
	}
}
