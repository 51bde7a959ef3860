package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"peerlink/internal/server/config"
	"peerlink/internal/server/database"
	"peerlink/internal/server/events"
	"peerlink/internal/server/metrics"
	"peerlink/internal/server/registry"
	"peerlink/internal/server/service"
	"peerlink/internal/server/storage"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type stubLedger struct {
	stats   *database.Stats
	history []*database.Transfer
	err     error
}

func (l *stubLedger) Record(context.Context, *database.Transfer) error { return nil }

func (l *stubLedger) GetStats(context.Context) (*database.Stats, error) { return l.stats, l.err }

func (l *stubLedger) History(context.Context, string) ([]*database.Transfer, error) {
	return l.history, l.err
}

func (l *stubLedger) HealthCheck(context.Context) error { return l.err }

type testApp struct {
	e        *echo.Echo
	registry *registry.Registry
	hub      *events.Hub
	now      *time.Time
}

type appOption func(*config.Config, *Deps)

func newTestApp(t *testing.T, opts ...appOption) *testApp {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		DataDir:          root,
		MaxFileSize:      1 << 20,
		MaxMultipartSize: 1 << 20,
		RateLimitRPS:     1000,
		RateLimitBurst:   1000,
	}

	now := time.Now()
	reg := registry.New(
		registry.WithHasher(registry.NewBcryptHasher(bcrypt.MinCost)),
		registry.WithClock(func() time.Time { return now }),
	)
	store := storage.NewFileSystemStore(cfg.UploadDir(), cfg.PartsDir())
	require.NoError(t, store.EnsureDir())
	hub := events.NewHub()

	m, err := metrics.New(prometheus.NewRegistry(), metrics.Gauges{Shares: reg.Len})
	require.NoError(t, err)

	deps := Deps{
		Registry: reg,
		Hub:      hub,
		Metrics:  m,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	var recorder service.Recorder
	if deps.Ledger != nil {
		recorder = deps.Ledger.(service.Recorder)
	}
	deps.Uploads = service.NewUploadService(reg, store, hub, recorder, service.UploadLimits{
		MaxFileSize:      cfg.MaxFileSize,
		MaxMultipartSize: cfg.MaxMultipartSize,
	})
	deps.Downloads = service.NewDownloadService(reg, hub, recorder)

	return &testApp{
		e:        SetupRouter(NewHandler(deps), cfg, m),
		registry: reg,
		hub:      hub,
		now:      &now,
	}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *testApp) upload(t *testing.T, body string, headers map[string]string) service.UploadResult {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := a.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res service.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func (a *testApp) download(code string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/download/"+code, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return a.do(req)
}

var hundred = strings.Repeat("0123456789", 10)

func TestHandleUpload(t *testing.T) {
	t.Run("whole body", func(t *testing.T) {
		app := newTestApp(t)

		res := app.upload(t, hundred, map[string]string{
			HeaderFilename:   "report.txt",
			HeaderPassphrase: "pw",
			HeaderTTLMillis:  "60000",
			HeaderOneTime:    "TRUE",
		})

		assert.Len(t, res.FileID, 6)
		assert.Equal(t, int64(100), res.Size)
		assert.True(t, res.OneTime)
		assert.True(t, res.Protected)

		entry, ok := app.registry.Lookup(res.FileID)
		require.True(t, ok)
		assert.Equal(t, entry.CreatedAt.Add(time.Minute), entry.ExpiresAt)
	})

	t.Run("bad ttl header is ignored", func(t *testing.T) {
		app := newTestApp(t)

		res := app.upload(t, "x", map[string]string{HeaderTTLMillis: "soon"})

		entry, _ := app.registry.Lookup(res.FileID)
		assert.Equal(t, entry.CreatedAt.Add(registry.DefaultTTL), entry.ExpiresAt)
		assert.Equal(t, service.DefaultFilename, entry.OriginalName)
	})

	t.Run("too large", func(t *testing.T) {
		app := newTestApp(t, func(cfg *config.Config, _ *Deps) { cfg.MaxFileSize = 10 })

		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(hundred))
		rec := app.do(req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("rate limited", func(t *testing.T) {
		app := newTestApp(t, func(cfg *config.Config, _ *Deps) {
			cfg.RateLimitRPS = 0.001
			cfg.RateLimitBurst = 1
		})

		app.upload(t, "a", nil)
		rec := app.do(httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("b")))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
}

func TestHandleUpload_Chunked(t *testing.T) {
	t.Run("missing headers", func(t *testing.T) {
		app := newTestApp(t)

		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("abc"))
		req.Header.Set(HeaderChunkName, "a.bin")
		req.Header.Set(HeaderChunkIndex, "0")
		rec := app.do(req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), HeaderTotalChunks)
	})

	t.Run("non-numeric header", func(t *testing.T) {
		app := newTestApp(t)

		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("abc"))
		req.Header.Set(HeaderChunkName, "a.bin")
		req.Header.Set(HeaderChunkIndex, "first")
		req.Header.Set(HeaderTotalChunks, "2")
		req.Header.Set(HeaderFileSize, "6")
		rec := app.do(req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("full sequence", func(t *testing.T) {
		app := newTestApp(t)
		chunks := []string{"hello ", "chunked ", "world"}

		var fileID string
		for i, chunk := range chunks {
			req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(chunk))
			req.Header.Set(HeaderChunkName, "greeting.txt")
			req.Header.Set(HeaderChunkIndex, strconv.Itoa(i))
			req.Header.Set(HeaderTotalChunks, strconv.Itoa(len(chunks)))
			req.Header.Set(HeaderFileSize, "19")
			rec := app.do(req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var res service.ChunkResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			if i < len(chunks)-1 {
				assert.Empty(t, res.FileID)
			}
			fileID = res.FileID
		}

		rec := app.download(fileID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello chunked world", rec.Body.String())
	})
}

func TestHandleDownload(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		app := newTestApp(t)
		res := app.upload(t, hundred, map[string]string{HeaderFilename: "digits.txt"})

		rec := app.download(res.FileID, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, hundred, rec.Body.String())
		assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, `attachment; filename=digits.txt`, rec.Header().Get(echo.HeaderContentDisposition))
		assert.Equal(t, "application/octet-stream", rec.Header().Get(echo.HeaderContentType))
		assert.Equal(t, "100", rec.Header().Get(echo.HeaderContentLength))
	})

	t.Run("range", func(t *testing.T) {
		app := newTestApp(t)
		res := app.upload(t, hundred, nil)

		rec := app.download(res.FileID, map[string]string{"Range": "bytes=10-19"})

		assert.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "0123456789", rec.Body.String())
		assert.Equal(t, "bytes 10-19/100", rec.Header().Get("Content-Range"))
		assert.Equal(t, "10", rec.Header().Get(echo.HeaderContentLength))
	})

	t.Run("range not satisfiable", func(t *testing.T) {
		app := newTestApp(t)
		res := app.upload(t, hundred, nil)

		rec := app.download(res.FileID, map[string]string{"Range": "bytes=95-200"})

		assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
		assert.Equal(t, "bytes */100", rec.Header().Get("Content-Range"))
		assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	})

	t.Run("unknown code", func(t *testing.T) {
		app := newTestApp(t)
		rec := app.download("424242", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("expired", func(t *testing.T) {
		app := newTestApp(t)
		res := app.upload(t, "x", map[string]string{HeaderTTLMillis: "1000"})

		*app.now = app.now.Add(2 * time.Second)

		assert.Equal(t, http.StatusGone, app.download(res.FileID, nil).Code)
		assert.Equal(t, http.StatusNotFound, app.download(res.FileID, nil).Code)
	})

	t.Run("passphrase gate", func(t *testing.T) {
		app := newTestApp(t)
		res := app.upload(t, "secret", map[string]string{HeaderPassphrase: "letmein"})

		rec := app.download(res.FileID, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, authChallenge, rec.Header().Get(echo.HeaderWWWAuthenticate))

		rec = app.download(res.FileID, map[string]string{HeaderPassphrase: "letmeout"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = app.download(res.FileID, map[string]string{HeaderPassphrase: "letmein"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "secret", rec.Body.String())
	})

	t.Run("one time", func(t *testing.T) {
		app := newTestApp(t)
		res := app.upload(t, "burn after reading", map[string]string{HeaderOneTime: "true"})

		assert.Equal(t, http.StatusOK, app.download(res.FileID, nil).Code)
		assert.Equal(t, http.StatusNotFound, app.download(res.FileID, nil).Code)
	})
}

func TestHandleInfo(t *testing.T) {
	app := newTestApp(t)
	res := app.upload(t, "abc", map[string]string{HeaderFilename: "a.txt", HeaderTTLMillis: "0"})

	rec := app.do(httptest.NewRequest(http.MethodGet, "/api/info/"+res.FileID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, res.FileID, info["fileId"])
	assert.Equal(t, "a.txt", info["name"])
	assert.Equal(t, 3.0, info["size"])
	assert.Nil(t, info["expiresAt"])
	assert.Equal(t, false, info["protected"])

	rec = app.do(httptest.NewRequest(http.MethodGet, "/api/info/000001", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealthAndStats(t *testing.T) {
	t.Run("without ledger", func(t *testing.T) {
		app := newTestApp(t)
		app.upload(t, "1234", nil)

		rec := app.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok","shares":1,"ledger":"disabled"}`, rec.Body.String())

		rec = app.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var stats map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, 1.0, stats["active_shares"])
		assert.Equal(t, 4.0, stats["shared_bytes"])
		assert.NotContains(t, stats, "total_uploads")

		rec = app.do(httptest.NewRequest(http.MethodGet, "/api/history/123456", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("with ledger", func(t *testing.T) {
		ledger := &stubLedger{
			stats: &database.Stats{Uploads: 7, Downloads: 5, Consumed: 2, BytesServed: 2048},
			history: []*database.Transfer{
				{Code: "123456", Kind: database.KindUpload, Filename: "f", Bytes: 9},
			},
		}
		app := newTestApp(t, func(_ *config.Config, d *Deps) { d.Ledger = ledger })

		rec := app.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var stats map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, 7.0, stats["total_uploads"])
		assert.Equal(t, "2.0 KB", stats["bytes_served_human"])

		rec = app.do(httptest.NewRequest(http.MethodGet, "/api/history/123456", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"kind":"upload"`)

		ledger.err = errors.New("connection refused")
		rec = app.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)
	res := app.upload(t, hundred, nil)
	app.download(res.FileID, nil)

	rec := app.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `http_requests_total{method="GET",path="/download/:code",status="200"} 1`)
	assert.Contains(t, body, `peerlink_bytes_served_total{transport="http"} 100`)
	assert.Contains(t, body, "peerlink_active_shares 1")
	assert.NotContains(t, body, `path="/metrics"`)
}

func TestRequestID(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Len(t, rec.Header().Get(echo.HeaderXRequestID), 36)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(echo.HeaderXRequestID, "client-chosen")
	rec = app.do(req)
	assert.Equal(t, "client-chosen", rec.Header().Get(echo.HeaderXRequestID))
}

func TestHandleEvents(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.e)
	defer srv.Close()

	res := app.upload(t, hundred, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/"+res.FileID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))
	reader := bufio.NewReader(resp.Body)

	readFrame := func() string {
		var b strings.Builder
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line == "\n" {
				return b.String()
			}
			b.WriteString(line)
		}
	}

	assert.Equal(t, "event: hello\ndata: {\"ok\":true}\n", readFrame())
	require.Eventually(t, func() bool { return app.hub.Count(res.FileID) == 1 }, time.Second, 5*time.Millisecond)

	dl, err := http.Get(srv.URL + "/download/" + res.FileID)
	require.NoError(t, err)
	io.Copy(io.Discard, dl.Body)
	dl.Body.Close()

	assert.Equal(t,
		"event: download_started\ndata: {\"fileId\":\""+res.FileID+"\",\"partial\":false,\"start\":0,\"total\":100}\n",
		readFrame())
	assert.Equal(t,
		"event: download_complete\ndata: {\"fileId\":\""+res.FileID+"\"}\n",
		readFrame())

	app.hub.Heartbeat()
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":keepalive\n", line)

	cancel()
	assert.Eventually(t, func() bool { return app.hub.Count(res.FileID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestHumanizeBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanizeBytes(512))
	assert.Equal(t, "1.5 KB", humanizeBytes(1536))
	assert.Equal(t, "5.0 GB", humanizeBytes(5<<30))
}
