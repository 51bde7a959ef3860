// Package client talks to a peerlink relay over HTTP and the raw stream
// port.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultChunkSize is the chunk size used by SendChunked when none is given.
const DefaultChunkSize = 4 << 20

// ErrAlreadyComplete is returned by Fetch with Resume when the local file
// already holds every byte.
var ErrAlreadyComplete = errors.New("download already complete")

// APIError is a non-2xx reply from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// Share is the relay's answer to a completed upload.
type Share struct {
	FileID    string `json:"fileId"`
	Size      int64  `json:"size"`
	OneTime   bool   `json:"oneTime"`
	Protected bool   `json:"protected"`
}

// SendOptions are the share settings of a whole-body upload.
type SendOptions struct {
	TTL        *time.Duration
	OneTime    bool
	Passphrase string
}

// HasShareSettings reports whether any option needs a whole-body upload.
func (o SendOptions) HasShareSettings() bool {
	return o.TTL != nil || o.OneTime || o.Passphrase != ""
}

// ProgressFunc receives the bytes acknowledged so far and the total.
type ProgressFunc func(sent, total int64)

// Client is an HTTP client for one relay.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the relay at baseURL. A nil hc uses a client
// without an overall timeout, since transfers can be long.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

// Send uploads the file at path in one request, announced as name.
func (c *Client) Send(ctx context.Context, path, name string, opts SendOptions) (*Share, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", f)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", name)
	if opts.TTL != nil {
		req.Header.Set("X-TTL-Millis", strconv.FormatInt(opts.TTL.Milliseconds(), 10))
	}
	if opts.OneTime {
		req.Header.Set("X-One-Time", "true")
	}
	if opts.Passphrase != "" {
		req.Header.Set("X-Passphrase", opts.Passphrase)
	}

	var share Share
	if err := c.doJSON(req, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

// SendChunked uploads the file at path as sequential chunks of chunkSize
// bytes and returns the share code issued after the last one.
func (c *Client) SendChunked(ctx context.Context, path, name string, chunkSize int64, progress ProgressFunc) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	size := info.Size()

	total := (size + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	var sent int64
	for i := int64(0); i < total; i++ {
		n := min(chunkSize, size-sent)
		body := io.NewSectionReader(f, sent, n)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", body)
		if err != nil {
			return "", fmt.Errorf("failed to create chunk request: %w", err)
		}
		req.ContentLength = n
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-File-Name", name)
		req.Header.Set("X-Chunk-Index", strconv.FormatInt(i, 10))
		req.Header.Set("X-Total-Chunks", strconv.FormatInt(total, 10))
		req.Header.Set("X-File-Size", strconv.FormatInt(size, 10))

		var res struct {
			FileID string `json:"fileId"`
		}
		if err := c.doJSON(req, &res); err != nil {
			return "", fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
		}

		sent += n
		if progress != nil {
			progress(sent, size)
		}
		if i == total-1 {
			if res.FileID == "" {
				return "", fmt.Errorf("relay did not issue a share code")
			}
			return res.FileID, nil
		}
	}
	return "", fmt.Errorf("no chunks sent")
}

// FetchOptions control an HTTP download.
type FetchOptions struct {
	Passphrase string
	// Resume appends to an existing file using a Range request.
	Resume   bool
	Progress ProgressFunc
}

// Fetch downloads the share code into the file at dst and returns the
// number of bytes written by this call.
func (c *Client) Fetch(ctx context.Context, code, dst string, opts FetchOptions) (int64, error) {
	var offset int64
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if opts.Resume {
		if info, err := os.Stat(dst); err == nil {
			offset = info.Size()
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+code, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create download request: %w", err)
	}
	if opts.Passphrase != "" {
		req.Header.Set("X-Passphrase", opts.Passphrase)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call relay: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// The relay ignored the range or none was asked for.
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		offset = 0
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		if total, ok := rangeTotal(resp.Header.Get("Content-Range")); ok && total == offset {
			return 0, ErrAlreadyComplete
		}
		return 0, decodeError(resp)
	default:
		return 0, decodeError(resp)
	}

	out, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		return 0, err
	}

	total := offset + resp.ContentLength
	var w io.Writer = out
	if opts.Progress != nil && resp.ContentLength >= 0 {
		w = &progressWriter{w: out, done: offset, total: total, fn: opts.Progress}
	}

	n, err := io.Copy(w, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("download interrupted after %d bytes: %w", offset+n, err)
	}
	return n, nil
}

func (c *Client) doJSON(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode relay response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}

// rangeTotal extracts N from "bytes */N".
func rangeTotal(header string) (int64, bool) {
	_, total, ok := strings.Cut(header, "/")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	return n, err == nil
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	p.fn(p.done, p.total)
	return n, err
}
