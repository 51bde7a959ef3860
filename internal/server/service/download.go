package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"peerlink/internal/server/database"
	"peerlink/internal/server/events"
	"peerlink/internal/server/registry"
)

// DownloadRequest carries what a client sent to fetch a share.
type DownloadRequest struct {
	Code       string
	Passphrase string
	Range      string
	RemoteAddr string
}

// ShareInfo is returned for metadata queries.
type ShareInfo struct {
	FileID    string     `json:"fileId"`
	Name      string     `json:"name"`
	Size      int64      `json:"size"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
	OneTime   bool       `json:"oneTime"`
	Protected bool       `json:"protected"`
	Downloads int64      `json:"downloads"`
}

type downloadStarted struct {
	FileID  string `json:"fileId"`
	Partial bool   `json:"partial"`
	Start   int64  `json:"start"`
	Total   int64  `json:"total"`
}

type fileEvent struct {
	FileID string `json:"fileId"`
}

// DownloadService resolves share codes into streamable transfers.
type DownloadService struct {
	registry *registry.Registry
	events   Publisher
	ledger   Recorder
}

// NewDownloadService creates a new download service. events and ledger may be nil.
func NewDownloadService(reg *registry.Registry, pub Publisher, ledger Recorder) *DownloadService {
	return &DownloadService{
		registry: reg,
		events:   publisherOrNop(pub),
		ledger:   ledger,
	}
}

// Info returns metadata about a share without serving it. Expired shares
// are removed.
func (s *DownloadService) Info(code string) (*ShareInfo, error) {
	entry, err := s.resolve(code)
	if err != nil {
		return nil, err
	}

	info := &ShareInfo{
		FileID:    entry.Code,
		Name:      entry.OriginalName,
		Size:      entry.Size,
		CreatedAt: entry.CreatedAt,
		OneTime:   entry.OneTime,
		Protected: entry.Protected(),
		Downloads: entry.Downloads(),
	}
	if !entry.ExpiresAt.IsZero() {
		expires := entry.ExpiresAt
		info.ExpiresAt = &expires
	}
	return info, nil
}

// Open checks the request against the share and opens the byte range to
// serve. The caller must Close the transfer, and call Finish once the
// bytes were written.
func (s *DownloadService) Open(ctx context.Context, req DownloadRequest) (*Transfer, error) {
	entry, err := s.resolve(req.Code)
	if err != nil {
		return nil, err
	}

	if entry.Protected() {
		if req.Passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		if !s.registry.Verify(entry, req.Passphrase) {
			slog.Warn("invalid passphrase", "code", entry.Code, "ip", req.RemoteAddr)
			return nil, ErrInvalidPassphrase
		}
	}

	start, end, partial, err := ParseRange(req.Range, entry.Size)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open shared file: %w", err)
	}

	s.events.PublishJSON(entry.Code, events.DownloadStarted, downloadStarted{
		FileID:  entry.Code,
		Partial: partial,
		Start:   start,
		Total:   entry.Size,
	})

	return &Transfer{
		Entry:   entry,
		Partial: partial,
		Start:   start,
		End:     end,
		file:    file,
		svc:     s,
		remote:  req.RemoteAddr,
	}, nil
}

func (s *DownloadService) resolve(code string) (*registry.Entry, error) {
	entry, ok := s.registry.Lookup(code)
	if !ok {
		return nil, ErrNotFound
	}
	if s.registry.IsExpired(entry) {
		s.registry.Remove(code)
		return nil, ErrExpired
	}
	return entry, nil
}

// Transfer is an opened download of the inclusive byte range [Start, End].
type Transfer struct {
	Entry   *registry.Entry
	Partial bool
	Start   int64
	End     int64

	file   *os.File
	svc    *DownloadService
	remote string
}

// Length returns the number of bytes Stream will write.
func (t *Transfer) Length() int64 {
	return t.End - t.Start + 1
}

// ContentRange returns the Content-Range header value for partial
// transfers.
func (t *Transfer) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", t.Start, t.End, t.Entry.Size)
}

// Stream writes the range to w. When w is a network connection or an
// http.ResponseWriter the copy is done by sendfile.
func (t *Transfer) Stream(w io.Writer) (int64, error) {
	if t.Length() <= 0 {
		return 0, nil
	}
	if _, err := t.file.Seek(t.Start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek: %w", err)
	}
	n, err := io.Copy(w, io.LimitReader(t.file, t.Length()))
	if err == nil && n < t.Length() {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Finish counts the download and applies one-time consumption. It
// reports whether this call consumed the share.
func (t *Transfer) Finish(ctx context.Context) bool {
	e := t.Entry
	e.IncrementDownloads()

	consumed := e.OneTime && t.svc.registry.Remove(e.Code)
	kind := database.KindDownload
	if consumed {
		kind = database.KindConsumed
		t.svc.events.PublishJSON(e.Code, events.Consumed, fileEvent{FileID: e.Code})
		slog.Info("one-time share consumed", "code", e.Code)
	} else {
		t.svc.events.PublishJSON(e.Code, events.DownloadComplete, fileEvent{FileID: e.Code})
	}

	record(ctx, t.svc.ledger, &database.Transfer{
		Code:       e.Code,
		Kind:       kind,
		Filename:   e.OriginalName,
		Bytes:      t.Length(),
		Partial:    t.Partial,
		RemoteAddr: t.remote,
	})
	return consumed
}

// Close releases the open file.
func (t *Transfer) Close() error {
	return t.file.Close()
}

// ParseRange parses a single "bytes=start-" or "bytes=start-end" range.
// An empty header selects the whole file. Anything else, including
// suffix and multi-range forms, is a *RangeError.
func ParseRange(header string, size int64) (start, end int64, partial bool, err error) {
	if header == "" {
		return 0, size - 1, false, nil
	}

	bad := &RangeError{Header: header, Total: size}

	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, bad
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false, bad
	}

	start, err = strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, 0, false, bad
	}
	end = size - 1
	if last = strings.TrimSpace(last); last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil {
			return 0, 0, false, bad
		}
	}

	if start < 0 || start >= size || end < start || end >= size {
		return 0, 0, false, bad
	}
	return start, end, true, nil
}
