package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound            = errors.New("share not found")
	ErrExpired             = errors.New("share has expired")
	ErrPassphraseRequired  = errors.New("passphrase required")
	ErrInvalidPassphrase   = errors.New("invalid passphrase")
	ErrMissingChunkHeaders = errors.New("missing chunk headers")
	ErrInvalidChunk        = errors.New("invalid chunk")
	ErrFileTooLarge        = errors.New("file exceeds maximum allowed size")
	ErrInvalidMultipart    = errors.New("no file part found in multipart body")
)

// RangeError reports a Range header that cannot be satisfied for a file
// of Total bytes.
type RangeError struct {
	Header string
	Total  int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %q not satisfiable for %d bytes", e.Header, e.Total)
}
