// Package formdata pulls the first file field out of a buffered
// multipart/form-data body.
package formdata

import (
	"bytes"
	"strings"
)

const DefaultContentType = "application/octet-stream"

var (
	filenameMarker    = []byte(`filename="`)
	contentTypeMarker = []byte("Content-Type:")
	headerEnd         = []byte("\r\n\r\n")
)

var unsafeNameChars = strings.NewReplacer(
	`\`, "_", "/", "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// File is the extracted part. Content aliases the input body.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// Extract returns the first part that carries a filename, or false when
// the body is not shaped as expected.
func Extract(body []byte, boundary string) (*File, bool) {
	if boundary == "" {
		return nil, false
	}

	at := bytes.Index(body, filenameMarker)
	if at < 0 {
		return nil, false
	}
	nameStart := at + len(filenameMarker)
	nameLen := bytes.IndexByte(body[nameStart:], '"')
	if nameLen < 0 {
		return nil, false
	}
	name := SanitizeName(string(body[nameStart : nameStart+nameLen]))

	sep := bytes.Index(body[nameStart:], headerEnd)
	if sep < 0 {
		return nil, false
	}
	sep += nameStart
	start := sep + len(headerEnd)

	contentType := DefaultContentType
	if ct := bytes.Index(body[nameStart:sep], contentTypeMarker); ct >= 0 {
		line := body[nameStart+ct+len(contentTypeMarker) : sep]
		if eol := bytes.Index(line, []byte("\r\n")); eol >= 0 {
			line = line[:eol]
		}
		if v := strings.TrimSpace(string(line)); v != "" {
			contentType = v
		}
	}

	end := bytes.Index(body[start:], []byte("\r\n--"+boundary+"--"))
	if end < 0 {
		end = bytes.Index(body[start:], []byte("\r\n--"+boundary))
	}
	if end < 0 {
		return nil, false
	}

	return &File{
		Name:        name,
		ContentType: contentType,
		Content:     body[start : start+end],
	}, true
}

// SanitizeName replaces path separators and characters that are not
// valid in file names with underscores.
func SanitizeName(name string) string {
	return unsafeNameChars.Replace(name)
}
