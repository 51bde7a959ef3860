package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"peerlink/internal/server/database"
	"peerlink/internal/server/events"
	"peerlink/internal/server/formdata"
	"peerlink/internal/server/registry"
	"peerlink/internal/server/storage"
)

// DefaultFilename names uploads that arrive without one.
const DefaultFilename = "unnamed-file"

// UploadRequest is the metadata of a whole-body upload.
type UploadRequest struct {
	Filename    string
	ContentType string
	Passphrase  string
	TTL         *time.Duration
	OneTime     bool
	RemoteAddr  string
}

// UploadResult is returned after a successful whole-body upload.
type UploadResult struct {
	FileID    string `json:"fileId"`
	Size      int64  `json:"size"`
	OneTime   bool   `json:"oneTime"`
	Protected bool   `json:"protected"`
}

// Chunk describes one request of a chunked upload.
type Chunk struct {
	Name       string
	Index      int
	Total      int
	FileSize   int64
	RemoteAddr string
}

// ChunkResult carries the share code; empty until the last chunk.
type ChunkResult struct {
	FileID string `json:"fileId"`
}

// Progress is the payload of a progress event.
type Progress struct {
	Uploaded int64
	Total    int64
	Percent  float64
}

// MarshalJSON keeps percent at two decimals.
func (p Progress) MarshalJSON() ([]byte, error) {
	return fmt.Appendf(nil, `{"uploaded":%d,"total":%d,"percent":%.2f}`, p.Uploaded, p.Total, p.Percent), nil
}

type uploadComplete struct {
	Event  string `json:"event"`
	FileID string `json:"fileId"`
	Size   int64  `json:"size"`
}

type chunkCompleted struct {
	FileID string `json:"fileId"`
	Size   int64  `json:"size"`
}

type chunkState struct {
	mu        sync.Mutex
	written   atomic.Int64
	total     int64
	lastChunk atomic.Int64
}

// UploadService ingests whole-body and chunked uploads and registers the
// results.
type UploadService struct {
	registry *registry.Registry
	store    storage.Store
	events   Publisher
	ledger   Recorder

	maxFileSize      int64
	maxMultipartSize int64
	now              func() time.Time

	mu     sync.Mutex
	chunks map[string]*chunkState
}

// UploadLimits bound the accepted body sizes. Zero means unlimited.
type UploadLimits struct {
	MaxFileSize      int64
	MaxMultipartSize int64
}

// NewUploadService creates a new upload service. events and ledger may be nil.
func NewUploadService(reg *registry.Registry, store storage.Store, pub Publisher, ledger Recorder, limits UploadLimits) *UploadService {
	return &UploadService{
		registry:         reg,
		store:            store,
		events:           publisherOrNop(pub),
		ledger:           ledger,
		maxFileSize:      limits.MaxFileSize,
		maxMultipartSize: limits.MaxMultipartSize,
		now:              time.Now,
		chunks:           make(map[string]*chunkState),
	}
}

// Upload stores a whole request body and registers it. Multipart bodies
// are buffered and their first file part is kept; anything else is
// streamed to disk as is.
func (s *UploadService) Upload(ctx context.Context, req UploadRequest, body io.Reader) (*UploadResult, error) {
	name := req.Filename
	data := body

	if boundary, ok := multipartBoundary(req.ContentType); ok {
		file, err := s.extract(body, boundary)
		if err != nil {
			return nil, err
		}
		if name == "" {
			name = file.Name
		}
		data = bytes.NewReader(file.Content)
	}
	name = sanitizeFilename(name)

	path, size, err := s.store.Save(name, data, s.maxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, ErrFileTooLarge
		}
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	code, err := s.registry.Register(path, name, registry.RegisterOptions{
		TTL:        req.TTL,
		OneTime:    req.OneTime,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		if derr := s.store.Delete(path); derr != nil {
			slog.Warn("failed to delete unregistered upload", "path", path, "error", derr)
		}
		return nil, fmt.Errorf("failed to register upload: %w", err)
	}

	s.events.PublishJSON(code, events.Upload, uploadComplete{
		Event:  "upload_complete",
		FileID: code,
		Size:   size,
	})
	record(ctx, s.ledger, &database.Transfer{
		Code:       code,
		Kind:       database.KindUpload,
		Filename:   name,
		Bytes:      size,
		RemoteAddr: req.RemoteAddr,
	})

	slog.Info("upload stored",
		"code", code,
		"filename", name,
		"size", size,
		"one_time", req.OneTime,
		"protected", req.Passphrase != "",
	)

	return &UploadResult{
		FileID:    code,
		Size:      size,
		OneTime:   req.OneTime,
		Protected: req.Passphrase != "",
	}, nil
}

// UploadChunk appends one chunk to its upload. Chunks of one upload must
// arrive in index order; they are not reordered. The last chunk
// finalizes the file and returns its share code.
func (s *UploadService) UploadChunk(ctx context.Context, c Chunk, body io.Reader) (*ChunkResult, error) {
	name, err := validateChunk(c)
	if err != nil {
		return nil, err
	}

	st := s.chunkState(name, c.FileSize)
	st.mu.Lock()
	defer st.mu.Unlock()

	n, err := s.store.AppendPart(name, body)
	uploaded := st.written.Add(n)
	st.lastChunk.Store(s.now().UnixNano())
	if err != nil {
		return nil, err
	}

	s.events.PublishJSON(name, events.Progress, progressOf(uploaded, st.total))

	if c.Index != c.Total-1 {
		return &ChunkResult{}, nil
	}

	path, err := s.store.FinalizePart(name)
	if err != nil {
		return nil, err
	}
	s.dropChunkState(name, st)

	code, err := s.registry.Register(path, name, registry.RegisterOptions{})
	if err != nil {
		if derr := s.store.Delete(path); derr != nil {
			slog.Warn("failed to delete unregistered upload", "path", path, "error", derr)
		}
		return nil, fmt.Errorf("failed to register upload: %w", err)
	}

	s.events.PublishJSON(name, events.Completed, chunkCompleted{FileID: code, Size: uploaded})
	record(ctx, s.ledger, &database.Transfer{
		Code:       code,
		Kind:       database.KindUpload,
		Filename:   name,
		Bytes:      uploaded,
		RemoteAddr: c.RemoteAddr,
	})

	slog.Info("chunked upload finalized",
		"code", code,
		"filename", name,
		"size", uploaded,
		"chunks", c.Total,
	)

	return &ChunkResult{FileID: code}, nil
}

// PurgeStale drops chunked uploads whose last chunk arrived before cutoff,
// plus part files left without state. It returns how many went.
func (s *UploadService) PurgeStale(cutoff time.Time) int {
	s.mu.Lock()
	var stale []string
	for name, st := range s.chunks {
		if st.lastChunk.Load() >= cutoff.UnixNano() || !st.mu.TryLock() {
			continue
		}
		delete(s.chunks, name)
		st.mu.Unlock()
		stale = append(stale, name)
	}
	s.mu.Unlock()

	purged := 0
	for _, name := range stale {
		if err := s.store.DeletePart(name); err != nil {
			slog.Warn("failed to delete stale part", "name", name, "error", err)
			continue
		}
		purged++
	}

	orphans, err := s.store.PurgeParts(cutoff)
	if err != nil {
		slog.Warn("failed to purge orphaned parts", "error", err)
	}
	for _, name := range orphans {
		if !slices.Contains(stale, name) {
			purged++
		}
	}

	if purged > 0 {
		slog.Info("purged stale uploads", "count", purged, "cutoff", cutoff)
	}
	return purged
}

// Pending returns the number of chunked uploads in progress.
func (s *UploadService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *UploadService) chunkState(name string, total int64) *chunkState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.chunks[name]
	if !ok {
		st = &chunkState{total: total}
		st.lastChunk.Store(s.now().UnixNano())
		s.chunks[name] = st
	}
	return st
}

func (s *UploadService) dropChunkState(name string, st *chunkState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunks[name] == st {
		delete(s.chunks, name)
	}
}

func (s *UploadService) extract(body io.Reader, boundary string) (*formdata.File, error) {
	src := body
	if s.maxMultipartSize > 0 {
		src = io.LimitReader(body, s.maxMultipartSize+1)
	}

	buf, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload body: %w", err)
	}
	if s.maxMultipartSize > 0 && int64(len(buf)) > s.maxMultipartSize {
		return nil, ErrFileTooLarge
	}

	file, ok := formdata.Extract(buf, boundary)
	if !ok {
		return nil, ErrInvalidMultipart
	}
	return file, nil
}

func validateChunk(c Chunk) (string, error) {
	name := sanitizeFilename(c.Name)
	switch {
	case c.Name == "":
		return "", ErrMissingChunkHeaders
	case c.Total <= 0, c.Index < 0, c.Index >= c.Total:
		return "", fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, c.Index, c.Total)
	case c.FileSize < 0:
		return "", fmt.Errorf("%w: negative file size", ErrInvalidChunk)
	}
	return name, nil
}

func progressOf(uploaded, total int64) Progress {
	percent := 100.0
	if total > 0 {
		percent = 100 * float64(uploaded) / float64(total)
	}
	return Progress{Uploaded: uploaded, Total: total, Percent: percent}
}

func multipartBoundary(contentType string) (string, bool) {
	if contentType == "" {
		return "", false
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return "", false
	}
	boundary := params["boundary"]
	return boundary, boundary != ""
}

// sanitizeFilename replaces unsafe characters, drops leading dots and
// limits length.
func sanitizeFilename(name string) string {
	name = formdata.SanitizeName(strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")

	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		name = name[:255-len(ext)] + ext
	}

	if name == "" {
		name = DefaultFilename
	}
	return name
}
