package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"peerlink/internal/server/database"
	"peerlink/internal/server/events"
	"peerlink/internal/server/metrics"
	"peerlink/internal/server/registry"
	"peerlink/internal/server/service"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Request headers understood by the upload and download endpoints.
const (
	HeaderFilename    = "X-Filename"
	HeaderPassphrase  = "X-Passphrase"
	HeaderTTLMillis   = "X-TTL-Millis"
	HeaderOneTime     = "X-One-Time"
	HeaderChunkName   = "X-File-Name"
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderTotalChunks = "X-Total-Chunks"
	HeaderFileSize    = "X-File-Size"
)

const authChallenge = `Bearer realm="share"`

// Ledger is the read side of the transfer ledger.
type Ledger interface {
	GetStats(ctx context.Context) (*database.Stats, error)
	History(ctx context.Context, code string) ([]*database.Transfer, error)
	HealthCheck(ctx context.Context) error
}

// Deps wires a Handler. Ledger and Metrics may be nil.
type Deps struct {
	Uploads   *service.UploadService
	Downloads *service.DownloadService
	Hub       *events.Hub
	Registry  *registry.Registry
	Ledger    Ledger
	Metrics   *metrics.Metrics
}

// Handler contains the HTTP handlers for the relay.
type Handler struct {
	uploads   *service.UploadService
	downloads *service.DownloadService
	hub       *events.Hub
	registry  *registry.Registry
	ledger    Ledger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
}

// NewHandler creates a new handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		uploads:   d.Uploads,
		downloads: d.Downloads,
		hub:       d.Hub,
		registry:  d.Registry,
		ledger:    d.Ledger,
		metrics:   d.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleUpload handles POST /upload. Requests carrying any chunk header
// are treated as one chunk of a chunked upload; all others are stored
// whole.
func (h *Handler) HandleUpload(c echo.Context) error {
	if isChunkRequest(c.Request().Header) {
		return h.handleChunk(c)
	}

	req := c.Request()
	upload := service.UploadRequest{
		Filename:    req.Header.Get(HeaderFilename),
		ContentType: req.Header.Get(echo.HeaderContentType),
		Passphrase:  req.Header.Get(HeaderPassphrase),
		OneTime:     strings.EqualFold(req.Header.Get(HeaderOneTime), "true"),
		RemoteAddr:  c.RealIP(),
	}
	if v := req.Header.Get(HeaderTTLMillis); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			ttl := time.Duration(ms) * time.Millisecond
			upload.TTL = &ttl
		}
	}

	result, err := h.uploads.Upload(req.Context(), upload, req.Body)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) handleChunk(c echo.Context) error {
	chunk, err := parseChunkHeaders(c.Request().Header)
	if err != nil {
		return mapServiceError(c, err)
	}
	chunk.RemoteAddr = c.RealIP()

	result, err := h.uploads.UploadChunk(c.Request().Context(), chunk, c.Request().Body)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleDownload handles GET /download/:code.
func (h *Handler) HandleDownload(c echo.Context) error {
	res := c.Response()
	res.Header().Set("Access-Control-Allow-Origin", "*")
	res.Header().Set("Accept-Ranges", "bytes")

	req := c.Request()
	tr, err := h.downloads.Open(req.Context(), service.DownloadRequest{
		Code:       c.Param("code"),
		Passphrase: req.Header.Get(HeaderPassphrase),
		Range:      req.Header.Get("Range"),
		RemoteAddr: c.RealIP(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	defer tr.Close()

	header := res.Header()
	header.Set(echo.HeaderContentType, echo.MIMEOctetStream)
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{
		"filename": tr.Entry.OriginalName,
	}))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(tr.Length(), 10))

	status := http.StatusOK
	if tr.Partial {
		status = http.StatusPartialContent
		header.Set("Content-Range", tr.ContentRange())
	}
	res.WriteHeader(status)

	// Writing to the underlying ResponseWriter keeps the sendfile path.
	n, err := tr.Stream(res.Writer)
	res.Size += n
	h.metrics.AddBytesServed(metrics.TransportHTTP, n)
	if err != nil {
		slog.Warn("download interrupted",
			"code", tr.Entry.Code,
			"sent", n,
			"error", err,
		)
		return nil
	}

	tr.Finish(req.Context())
	return nil
}

// HandleEvents handles GET /events/:id as a text/event-stream.
func (h *Handler) HandleEvents(c echo.Context) error {
	id := c.Param("id")

	sub, err := events.NewSSEWriter(c.Response())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "streaming unsupported"})
	}
	if err := h.hub.Subscribe(id, sub); err != nil {
		return nil
	}

	select {
	case <-c.Request().Context().Done():
	case <-sub.Done():
	}

	h.hub.Unsubscribe(id, sub)
	sub.Close()
	return nil
}

// HandleWebSocket handles GET /ws/:id, pushing the same frames as
// HandleEvents over a WebSocket.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	id := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "id", id, "error", err)
		return nil
	}

	sub := events.NewWSConn(conn)
	if err := h.hub.Subscribe(id, sub); err != nil {
		return nil
	}

	sub.Drain()
	h.hub.Unsubscribe(id, sub)
	sub.Close()
	return nil
}

// HandleInfo handles GET /api/info/:code.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.downloads.Info(c.Param("code"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleHistory handles GET /api/history/:code.
func (h *Handler) HandleHistory(c echo.Context) error {
	if h.ledger == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "transfer ledger disabled"})
	}

	rows, err := h.ledger.History(c.Request().Context(), c.Param("code"))
	if err != nil {
		slog.Error("failed to load history", "code", c.Param("code"), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve history"})
	}

	out := make([]echo.Map, 0, len(rows))
	for _, r := range rows {
		out = append(out, echo.Map{
			"kind":     r.Kind,
			"filename": r.Filename,
			"bytes":    r.Bytes,
			"partial":  r.Partial,
			"at":       r.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// HandleHealth handles GET /api/health.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "ok"
	ledgerStatus := "disabled"

	if h.ledger != nil {
		ledgerStatus = "connected"
		if err := h.ledger.HealthCheck(c.Request().Context()); err != nil {
			status = "degraded"
			ledgerStatus = fmt.Sprintf("error: %v", err)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status": status,
		"shares": h.registry.Len(),
		"ledger": ledgerStatus,
	})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	shared := h.registry.Bytes()
	out := echo.Map{
		"active_shares":      h.registry.Len(),
		"shared_bytes":       shared,
		"shared_bytes_human": humanizeBytes(shared),
		"subscribers":        h.hub.Total(),
		"pending_uploads":    h.uploads.Pending(),
	}

	if h.ledger != nil {
		stats, err := h.ledger.GetStats(c.Request().Context())
		if err != nil {
			slog.Error("failed to load ledger stats", "error", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{
				"error": "failed to retrieve stats",
			})
		}
		out["total_uploads"] = stats.Uploads
		out["total_downloads"] = stats.Downloads
		out["consumed"] = stats.Consumed
		out["bytes_served"] = stats.BytesServed
		out["bytes_served_human"] = humanizeBytes(stats.BytesServed)
	}

	return c.JSON(http.StatusOK, out)
}

// mapServiceError translates service-layer errors into HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var rangeErr *service.RangeError

	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "share not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "share has expired"})
	case errors.Is(err, service.ErrPassphraseRequired):
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, authChallenge)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "passphrase required"})
	case errors.Is(err, service.ErrInvalidPassphrase):
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, authChallenge)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid passphrase"})
	case errors.As(err, &rangeErr):
		c.Response().Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Total))
		return c.JSON(http.StatusRequestedRangeNotSatisfiable, echo.Map{"error": "requested range not satisfiable"})
	case errors.Is(err, service.ErrMissingChunkHeaders):
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": fmt.Sprintf("chunked upload requires %s, %s, %s and %s headers",
				HeaderChunkName, HeaderChunkIndex, HeaderTotalChunks, HeaderFileSize),
		})
	case errors.Is(err, service.ErrInvalidChunk):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidMultipart):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no file part found in multipart body"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, registry.ErrCodeSpaceExhausted):
		slog.Error("share code space exhausted")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "no share code available, try again"})
	default:
		slog.Error("request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

func isChunkRequest(h http.Header) bool {
	for _, name := range []string{HeaderChunkName, HeaderChunkIndex, HeaderTotalChunks, HeaderFileSize} {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

func parseChunkHeaders(h http.Header) (service.Chunk, error) {
	name := h.Get(HeaderChunkName)
	index := h.Get(HeaderChunkIndex)
	total := h.Get(HeaderTotalChunks)
	size := h.Get(HeaderFileSize)
	if name == "" || index == "" || total == "" || size == "" {
		return service.Chunk{}, service.ErrMissingChunkHeaders
	}

	var (
		chunk = service.Chunk{Name: name}
		err   error
	)
	if chunk.Index, err = strconv.Atoi(index); err != nil {
		return service.Chunk{}, fmt.Errorf("%w: bad %s", service.ErrInvalidChunk, HeaderChunkIndex)
	}
	if chunk.Total, err = strconv.Atoi(total); err != nil {
		return service.Chunk{}, fmt.Errorf("%w: bad %s", service.ErrInvalidChunk, HeaderTotalChunks)
	}
	if chunk.FileSize, err = strconv.ParseInt(size, 10, 64); err != nil {
		return service.Chunk{}, fmt.Errorf("%w: bad %s", service.ErrInvalidChunk, HeaderFileSize)
	}
	return chunk, nil
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
