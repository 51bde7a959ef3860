// Package registry holds the in-memory table of shared files, keyed by
// six-digit share code.
package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL applies when a registration does not ask for a lifetime.
const DefaultTTL = 2 * time.Hour

const (
	codeSpace       = 1_000_000
	defaultAttempts = 64
)

// ErrCodeSpaceExhausted is returned when no free code was found within
// the retry budget. It fails the registration, not the registry.
var ErrCodeSpaceExhausted = errors.New("no free share code available")

// Entry describes one registered file. Fields other than the download
// counter never change after registration.
type Entry struct {
	Code         string
	FilePath     string
	OriginalName string
	Size         int64
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero means never
	OneTime      bool
	PassHash     string

	downloads atomic.Int64
}

// Protected reports whether downloads need a passphrase.
func (e *Entry) Protected() bool {
	return e.PassHash != ""
}

// Expired reports whether the deadline has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Downloads returns how many downloads have completed.
func (e *Entry) Downloads() int64 {
	return e.downloads.Load()
}

// IncrementDownloads bumps the counter and returns the new value.
func (e *Entry) IncrementDownloads() int64 {
	return e.downloads.Add(1)
}

// RegisterOptions carries the optional metadata of a registration.
type RegisterOptions struct {
	// TTL nil selects the registry default; <= 0 never expires.
	TTL        *time.Duration
	OneTime    bool
	Passphrase string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithHasher replaces the bcrypt hasher.
func WithHasher(h Hasher) Option {
	return func(r *Registry) { r.hasher = h }
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.defaultTTL = ttl }
}

// WithCodeSource replaces crypto/rand as the source of share codes.
func WithCodeSource(src io.Reader, attempts int) Option {
	return func(r *Registry) {
		r.random = src
		if attempts > 0 {
			r.attempts = attempts
		}
	}
}

// Registry maps share codes to entries. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	hasher     Hasher
	defaultTTL time.Duration
	now        func() time.Time
	random     io.Reader
	attempts   int
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*Entry),
		hasher:     NewBcryptHasher(0),
		defaultTTL: DefaultTTL,
		now:        time.Now,
		random:     rand.Reader,
		attempts:   defaultAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the file at filePath and returns its new share code.
func (r *Registry) Register(filePath, originalName string, opts RegisterOptions) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	var passHash string
	if opts.Passphrase != "" {
		passHash, err = r.hasher.Hash(opts.Passphrase)
		if err != nil {
			return "", err
		}
	}

	now := r.now()
	entry := &Entry{
		FilePath:     filePath,
		OriginalName: originalName,
		Size:         info.Size(),
		CreatedAt:    now,
		OneTime:      opts.OneTime,
		PassHash:     passHash,
	}

	ttl := r.defaultTTL
	if opts.TTL != nil {
		ttl = *opts.TTL
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.attempts; i++ {
		code, err := r.generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := r.entries[code]; taken {
			continue
		}
		entry.Code = code
		r.entries[code] = entry
		return code, nil
	}

	return "", ErrCodeSpaceExhausted
}

// Lookup returns the entry for code, if registered. It does not check expiry.
func (r *Registry) Lookup(code string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[code]
	return e, ok
}

// IsExpired evaluates the entry against the registry clock.
func (r *Registry) IsExpired(e *Entry) bool {
	return e.Expired(r.now())
}

// Verify checks a passphrase against a protected entry. Unprotected
// entries accept anything.
func (r *Registry) Verify(e *Entry, passphrase string) bool {
	if !e.Protected() {
		return true
	}
	if passphrase == "" {
		return false
	}
	return r.hasher.Verify(passphrase, e.PassHash)
}

// Remove deletes the entry and its backing file. Only one of several
// concurrent callers for the same code gets true.
func (r *Registry) Remove(code string) bool {
	r.mu.Lock()
	e, ok := r.entries[code]
	if ok {
		delete(r.entries, code)
	}
	r.mu.Unlock()

	if ok {
		unlink(e)
	}
	return ok
}

// SweepExpired removes every expired entry and returns how many went.
func (r *Registry) SweepExpired() int {
	now := r.now()

	r.mu.Lock()
	var expired []*Entry
	for code, e := range r.entries {
		if e.Expired(now) {
			delete(r.entries, code)
			expired = append(expired, e)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		unlink(e)
		slog.Info("share expired", "code", e.Code, "name", e.OriginalName)
	}
	return len(expired)
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Bytes returns the total size of all registered files.
func (r *Registry) Bytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, e := range r.entries {
		total += e.Size
	}
	return total
}

func (r *Registry) generateCode() (string, error) {
	n, err := rand.Int(r.random, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("failed to generate share code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func unlink(e *Entry) {
	if err := os.Remove(e.FilePath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to delete shared file",
			"code", e.Code,
			"path", e.FilePath,
			"error", err,
		)
	}
}
