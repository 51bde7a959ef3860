package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Replies the stream port sends instead of file bytes.
var (
	ErrStreamNotFound     = errors.New("share not found")
	ErrStreamUnauthorized = errors.New("passphrase missing or wrong")
	ErrStreamBadRequest   = errors.New("relay rejected the request")
)

var streamReplies = map[string]error{
	"File not found\n": ErrStreamNotFound,
	"Unauthorized\n":   ErrStreamUnauthorized,
	"Bad request\n":    ErrStreamBadRequest,
}

// longest reply plus one byte, enough to tell a reply from file content
const replyPeek = len("File not found\n") + 1

// Get downloads a share from the raw stream port at addr and writes it to
// w. It returns the number of file bytes written.
func Get(ctx context.Context, addr, code, passphrase string, w io.Writer) (int64, error) {
	if code == "" || strings.ContainsAny(code, " \r\n") {
		return 0, fmt.Errorf("invalid share code %q", code)
	}
	if strings.ContainsAny(passphrase, "\r\n") {
		return 0, fmt.Errorf("passphrase must not contain line breaks")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	// Unblock reads when ctx is cancelled mid-transfer.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	line := "GET " + code
	if passphrase != "" {
		line += " " + passphrase
	}
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}

	r := bufio.NewReader(conn)
	head, err := r.Peek(replyPeek)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, ctxErr(ctx, fmt.Errorf("failed to read reply: %w", err))
	}
	if errors.Is(err, io.EOF) {
		if replyErr, ok := streamReplies[string(head)]; ok {
			return 0, replyErr
		}
	}

	n, err := io.Copy(w, r)
	if err != nil {
		return n, ctxErr(ctx, fmt.Errorf("stream interrupted after %d bytes: %w", n, err))
	}
	return n, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
