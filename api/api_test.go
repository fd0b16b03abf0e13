package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/hitandrun"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/middleware/ratelimit"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/pkg/timecache"
	"github.com/chihaya/privtracker/storage"
	"github.com/chihaya/privtracker/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *timecache.Manual) {
	s, err := memory.New(memory.Config{})
	require.Nil(t, err)
	t.Cleanup(func() { s.Stop().Wait() })
	require.Nil(t, s.PutTorrent(context.Background(), storage.Torrent{ID: "t", Size: 1000}))

	stores := storage.NewStores(s, memory.NewLocker())
	pl, err := middleware.NewPipeline(ratelimit.NewCheck(stores.RateLimits))
	require.Nil(t, err)

	cfg := config.Default()
	cfg.AnnounceRateLimit = 2
	cfg.RequiredSeedingMinutes = 60

	clock := timecache.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	logic := middleware.NewLogic(clock, config.NewStatic(cfg), stores, pl, hitandrun.NewTracker(stores.HitAndRuns))

	srv := httptest.NewServer(NewServer(Config{}, logic, stores).Handler())
	t.Cleanup(srv.Close)
	return srv, clock
}

func postAnnounce(t *testing.T, srv *httptest.Server, body string) (int, announceResponse) {
	resp, err := http.Post(srv.URL+"/announce", "application/json", strings.NewReader(body))
	require.Nil(t, err)
	defer resp.Body.Close()

	var ar announceResponse
	if resp.StatusCode == http.StatusOK {
		require.Nil(t, json.NewDecoder(resp.Body).Decode(&ar))
	}
	return resp.StatusCode, ar
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v interface{}) int {
	resp, err := http.Get(srv.URL + path)
	require.Nil(t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && v != nil {
		require.Nil(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestAnnounce(t *testing.T) {
	srv, clock := newTestServer(t)

	code, ar := postAnnounce(t, srv, `{"user_id":"u","torrent_id":"t","peer_id":"p","ip":"10.0.0.1","left":0,"event":"completed"}`)
	require.Equal(t, http.StatusOK, code)
	require.False(t, ar.Rejected)
	require.Equal(t, uint32(1), ar.Complete)
	require.Equal(t, uint32(1), ar.Downloaded)
	require.Equal(t, int64(1800), ar.IntervalSeconds)

	var counts countsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/torrents/t/counts", &counts))
	require.Equal(t, countsResponse{Complete: 1, Downloaded: 1}, counts)

	var hnr hitAndRunResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/hitandruns/u/t", &hnr))
	require.Equal(t, "2024-03-01T12:00:00Z", hnr.DownloadedAt)
	require.NotNil(t, hnr.LastSeededAt)
	require.False(t, hnr.IsHitAndRun)

	clock.Advance(10 * time.Minute)
	code, ar = postAnnounce(t, srv, `{"user_id":"u","torrent_id":"t","peer_id":"p","ip":"10.0.0.1","left":0,"event":"stopped"}`)
	require.Equal(t, http.StatusOK, code)
	require.False(t, ar.Rejected)
	require.Equal(t, uint32(0), ar.Complete)

	require.Equal(t, http.StatusOK, getJSON(t, srv, "/hitandruns/u/t", &hnr))
	require.True(t, hnr.IsHitAndRun)
	require.Equal(t, int64(10), hnr.TotalSeedingTime)
	require.Nil(t, hnr.LastSeededAt)
}

func TestAnnounceRateLimited(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"user_id":"u","torrent_id":"t","peer_id":"p","left":10}`

	for i := 0; i < 2; i++ {
		_, ar := postAnnounce(t, srv, body)
		require.False(t, ar.Rejected)
	}

	code, ar := postAnnounce(t, srv, body)
	require.Equal(t, http.StatusOK, code)
	require.True(t, ar.Rejected)
	require.Equal(t, "Rate limit exceeded. Try again in 1800 seconds.", ar.Reason)
	require.Equal(t, int64(1800), ar.RetryAfterSeconds)

	var rl rateLimitResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/ratelimits/u", &rl))
	require.Equal(t, 2, rl.AnnounceCount)
	require.NotNil(t, rl.CooldownUntil)
	require.Equal(t, "Exceeded 2 announces within 1h0m0s", rl.Reason)
}

func TestAnnounceNegativeStats(t *testing.T) {
	srv, _ := newTestServer(t)

	code, ar := postAnnounce(t, srv, `{"user_id":"u","torrent_id":"t","peer_id":"p","uploaded":-1}`)
	require.Equal(t, http.StatusOK, code)
	require.True(t, ar.Rejected)
	require.Equal(t, "Invalid stats: Negative values are not allowed.", ar.Reason)

	require.Equal(t, http.StatusNotFound, getJSON(t, srv, "/ratelimits/u", nil))
}

func TestAnnounceUnregisteredTorrent(t *testing.T) {
	srv, _ := newTestServer(t)

	code, ar := postAnnounce(t, srv, `{"user_id":"u","torrent_id":"missing","peer_id":"p"}`)
	require.Equal(t, http.StatusOK, code)
	require.True(t, ar.Rejected)
	require.Equal(t, "Unregistered torrent.", ar.Reason)
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := postAnnounce(t, srv, `{"user_id":`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = postAnnounce(t, srv, `{"event":"paused"}`)
	require.Equal(t, http.StatusBadRequest, code)

	require.Equal(t, http.StatusNotFound, getJSON(t, srv, "/hitandruns/nobody/t", nil))
}

func TestCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/check")
	require.Nil(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type brokenWriter struct {
	header http.Header
	code   int
}

func (w *brokenWriter) Header() http.Header { return w.header }

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func (w *brokenWriter) WriteHeader(code int) { w.code = code }

func TestMakeHandlerLogsFailedErrorWrite(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetDebug(true)
	defer func() {
		log.SetDebug(false)
		log.SetOutput(os.Stderr)
	}()

	h := makeHandler("test", func(http.ResponseWriter, *http.Request, httprouter.Params) (int, error) {
		return http.StatusNotFound, nil
	})

	w := &brokenWriter{header: make(http.Header)}
	h(w, httptest.NewRequest(http.MethodGet, "/missing", nil), nil)

	require.Equal(t, http.StatusNotFound, w.code)
	require.Contains(t, buf.String(), "api: failed to write response")
	require.Contains(t, buf.String(), "connection reset")
}
