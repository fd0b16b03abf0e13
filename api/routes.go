package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/storage"
)

const jsonContentType = "application/json; charset=UTF-8"

// maxBodyBytes bounds the size of an announce body.
const maxBodyBytes = 1 << 16

type errorResponse struct {
	Error string `json:"error"`
}

// announceRequest is the JSON form of an announce. Counters are signed so
// that negative values sent by a client can be rejected explicitly, which
// caps them at 2^63-1; clients reporting larger counters announce through
// the query string form instead.
type announceRequest struct {
	UserID      string           `json:"user_id"`
	TorrentID   string           `json:"torrent_id"`
	PeerID      string           `json:"peer_id"`
	PeerIDRaw   string           `json:"raw_peer_id"`
	IP          string           `json:"ip"`
	Passkey     string           `json:"passkey"`
	Fingerprint string           `json:"fingerprint"`
	Client      string           `json:"client"`
	Uploaded    int64            `json:"uploaded"`
	Downloaded  int64            `json:"downloaded"`
	Left        int64            `json:"left"`
	Event       bittorrent.Event `json:"event"`
}

// params converts the request, returning bittorrent.ErrNegativeStats when a
// counter is negative.
func (req announceRequest) params() (*bittorrent.AnnounceParams, error) {
	p := &bittorrent.AnnounceParams{
		UserID:      req.UserID,
		TorrentID:   req.TorrentID,
		PeerID:      req.PeerID,
		PeerIDRaw:   req.PeerIDRaw,
		IP:          req.IP,
		Passkey:     req.Passkey,
		Fingerprint: req.Fingerprint,
		Client:      req.Client,
		Event:       req.Event,
	}

	var err error
	if p.Uploaded, err = bittorrent.ByteCountFromInt(req.Uploaded); err != nil {
		return nil, err
	}
	if p.Downloaded, err = bittorrent.ByteCountFromInt(req.Downloaded); err != nil {
		return nil, err
	}
	if p.Left, err = bittorrent.ByteCountFromInt(req.Left); err != nil {
		return nil, err
	}
	return p, nil
}

type announceResponse struct {
	Rejected           bool   `json:"rejected"`
	Reason             string `json:"failure_reason,omitempty"`
	RetryAfterSeconds  int64  `json:"retry_after,omitempty"`
	IntervalSeconds    int64  `json:"interval"`
	MinIntervalSeconds int64  `json:"min_interval"`
	Complete           uint32 `json:"complete"`
	Incomplete         uint32 `json:"incomplete"`
	Downloaded         uint32 `json:"downloaded"`
}

func newAnnounceResponse(resp *bittorrent.AnnounceResponse) announceResponse {
	return announceResponse{
		Rejected:           resp.Rejected,
		Reason:             resp.Reason,
		RetryAfterSeconds:  middleware.CeilSeconds(resp.RetryAfter),
		IntervalSeconds:    middleware.CeilSeconds(resp.Interval),
		MinIntervalSeconds: middleware.CeilSeconds(resp.MinInterval),
		Complete:           resp.Complete,
		Incomplete:         resp.Incomplete,
		Downloaded:         resp.Snatches,
	}
}

type countsResponse struct {
	Complete   uint32 `json:"complete"`
	Incomplete uint32 `json:"incomplete"`
	Downloaded uint32 `json:"downloaded"`
}

type hitAndRunResponse struct {
	UserID           string  `json:"user_id"`
	TorrentID        string  `json:"torrent_id"`
	DownloadedAt     string  `json:"downloaded_at"`
	LastSeededAt     *string `json:"last_seeded_at"`
	TotalSeedingTime int64   `json:"total_seeding_time"`
	IsHitAndRun      bool    `json:"is_hit_and_run"`
}

type rateLimitResponse struct {
	UserID        string  `json:"user_id"`
	LastCheckedAt string  `json:"last_checked_at"`
	AnnounceCount int     `json:"announce_count"`
	CooldownUntil *string `json:"cooldown_until"`
	Reason        string  `json:"reason,omitempty"`
}

func handleError(err error) (int, error) {
	if err == nil {
		return http.StatusOK, nil
	} else if err == storage.ErrResourceDoesNotExist {
		return http.StatusNotFound, nil
	} else if _, ok := err.(bittorrent.ClientError); ok {
		return http.StatusBadRequest, err
	}
	return http.StatusInternalServerError, err
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// writeJSON writes v with a 200 status. The status is already sent when
// encoding fails, so the failure is only logged.
func writeJSON(w http.ResponseWriter, v interface{}) (int, error) {
	if err := writeJSONStatus(w, http.StatusOK, v); err != nil {
		log.Debug("api: failed to write response", log.Err(err))
	}
	return http.StatusOK, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) check(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	if _, err := w.Write([]byte("STILL-ALIVE")); err != nil {
		log.Debug("api: failed to write response", log.Err(err))
	}
	return http.StatusOK, nil
}

// announce handles the JSON form of an announce.
func (s *Server) announce(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (int, error) {
	var req announceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return http.StatusBadRequest, bittorrent.ClientError("malformed announce: " + err.Error())
	}

	params, err := req.params()
	return s.handleAnnounce(w, r, params, err)
}

// announceQuery handles the query string form of an announce.
func (s *Server) announceQuery(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (int, error) {
	params, err := parseAnnounceQuery(r.URL.RawQuery)
	if err != nil && err != bittorrent.ErrNegativeStats {
		return http.StatusBadRequest, err
	}
	return s.handleAnnounce(w, r, params, err)
}

// handleAnnounce responds 200 to rejected announces: a rejection is a
// verdict for the client, not a failure of the request. A negative counter
// found while decoding is rejected like any other invalid stat.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request, params *bittorrent.AnnounceParams, decodeErr error) (int, error) {
	if decodeErr != nil {
		return writeJSON(w, announceResponse{Rejected: true, Reason: decodeErr.Error()})
	}

	resp, err := s.logic.HandleAnnounce(r.Context(), params)
	if err != nil {
		return handleError(err)
	}

	return writeJSON(w, newAnnounceResponse(resp))
}

func (s *Server) getCounts(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	scrape, err := s.logic.Scrape(r.Context(), p.ByName("torrentID"))
	if err != nil {
		return handleError(err)
	}

	return writeJSON(w, countsResponse{
		Complete:   scrape.Complete,
		Incomplete: scrape.Incomplete,
		Downloaded: scrape.Snatches,
	})
}

func (s *Server) getHitAndRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	rec, err := s.stores.HitAndRuns.HitAndRun(r.Context(), p.ByName("userID"), p.ByName("torrentID"))
	if err != nil {
		return handleError(err)
	}

	resp := hitAndRunResponse{
		UserID:           rec.UserID,
		TorrentID:        rec.TorrentID,
		DownloadedAt:     formatTime(rec.DownloadedAt),
		TotalSeedingTime: rec.TotalSeedingTime,
		IsHitAndRun:      rec.IsHitAndRun,
	}
	if rec.LastSeededAt != nil {
		at := formatTime(*rec.LastSeededAt)
		resp.LastSeededAt = &at
	}
	return writeJSON(w, resp)
}

func (s *Server) getRateLimit(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	c, err := s.stores.RateLimits.RateLimitCounter(r.Context(), p.ByName("userID"))
	if err != nil {
		return handleError(err)
	}

	resp := rateLimitResponse{
		UserID:        c.UserID,
		LastCheckedAt: formatTime(c.LastCheckedAt),
		AnnounceCount: c.AnnounceCount,
		Reason:        c.Reason,
	}
	if c.CooldownUntil != nil {
		until := formatTime(*c.CooldownUntil)
		resp.CooldownUntil = &until
	}
	return writeJSON(w, resp)
}
