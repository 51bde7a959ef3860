package peer

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peerlink/internal/server/registry"
	"peerlink/internal/server/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func startServer(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	reg := registry.New(registry.WithHasher(registry.NewBcryptHasher(bcrypt.MinCost)))
	srv := NewServer(service.NewDownloadService(reg, nil, nil), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, <-done)
	})
	return reg, ln.Addr().String()
}

func register(t *testing.T, reg *registry.Registry, content string, opts registry.RegisterOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	code, err := reg.Register(path, "blob", opts)
	require.NoError(t, err)
	return code
}

func roundTrip(t *testing.T, addr string, send ...string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	for _, s := range send {
		_, err := io.WriteString(conn, s)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(got)
}

func TestServer_StreamsFile(t *testing.T) {
	reg, addr := startServer(t)
	content := strings.Repeat("peer-to-peer ", 10000)
	code := register(t, reg, content, registry.RegisterOptions{})

	assert.Equal(t, content, roundTrip(t, addr, "GET "+code+"\n"))

	entry, _ := reg.Lookup(code)
	assert.Eventually(t, func() bool { return entry.Downloads() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_CommandAcrossReads(t *testing.T) {
	reg, addr := startServer(t)
	code := register(t, reg, "split", registry.RegisterOptions{})

	assert.Equal(t, "split", roundTrip(t, addr, "GE", "T "+code[:3], code[3:]+"\r\n"))
}

func TestServer_NotFound(t *testing.T) {
	_, addr := startServer(t)
	assert.Equal(t, ReplyNotFound, roundTrip(t, addr, "GET 123456\n"))
}

func TestServer_BadRequest(t *testing.T) {
	_, addr := startServer(t)
	assert.Equal(t, ReplyBadRequest, roundTrip(t, addr, "PUT 123456\n"))
}

func TestServer_Passphrase(t *testing.T) {
	reg, addr := startServer(t)
	code := register(t, reg, "guarded", registry.RegisterOptions{Passphrase: "pw"})

	assert.Equal(t, ReplyUnauthorized, roundTrip(t, addr, "GET "+code+"\n"))
	assert.Equal(t, ReplyUnauthorized, roundTrip(t, addr, "GET "+code+" nope\n"))
	assert.Equal(t, "guarded", roundTrip(t, addr, "GET "+code+" pw\n"))
}

func TestServer_OneTime(t *testing.T) {
	reg, addr := startServer(t)
	code := register(t, reg, "once", registry.RegisterOptions{OneTime: true})

	assert.Equal(t, "once", roundTrip(t, addr, "GET "+code+"\n"))
	assert.Eventually(t, func() bool {
		_, ok := reg.Lookup(code)
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ReplyNotFound, roundTrip(t, addr, "GET "+code+"\n"))
}

func TestServer_OversizedCommand(t *testing.T) {
	_, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, strings.Repeat("A", MaxCommandLen+10))
	require.NoError(t, err)

	// The server hangs up without a reply; a reset is acceptable too.
	got, _ := io.ReadAll(conn)
	assert.Empty(t, got)
}

func TestServer_DisconnectBeforeNewline(t *testing.T) {
	reg, addr := startServer(t)
	code := register(t, reg, "x", registry.RegisterOptions{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	io.WriteString(conn, "GET "+code)
	conn.Close()

	// The server must keep serving others.
	assert.Equal(t, "x", roundTrip(t, addr, "GET "+code+"\n"))
}

func TestServer_CloseBeforeServe(t *testing.T) {
	srv := NewServer(service.NewDownloadService(registry.New(), nil, nil), nil)
	require.NoError(t, srv.Close())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return for a closed server")
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line       string
		code       string
		passphrase string
		ok         bool
	}{
		{"GET 012345\n", "012345", "", true},
		{"GET 012345\r\n", "012345", "", true},
		{"GET 012345 secret words\n", "012345", "secret words", true},
		{"GET  012345\n", "012345", "", true},
		{"GET \n", "", "", false},
		{"GET\n", "", "", false},
		{"get 012345\n", "", "", false},
		{"\n", "", "", false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			code, passphrase, ok := ParseCommand(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.passphrase, passphrase)
		})
	}
}
