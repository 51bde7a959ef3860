package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerlink/internal/client"
	"peerlink/internal/core"
)

const usage = `usage:
  peerlink send  [--server URL] [--ttl D] [--one-time] [--passphrase P] [--chunk-size N] <paths...>
  peerlink fetch [--server URL] [--passphrase P] [-o file] [--resume] <code>
  peerlink get   [--stream host:port] [--passphrase P] [-o file] <code>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "fetch":
		err = runFetch(ctx, os.Args[2:])
	case "get":
		err = runGet(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultServer() string {
	if v := os.Getenv("PEERLINK_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	server := fs.String("server", defaultServer(), "relay base URL")
	ttl := fs.Duration("ttl", 0, "share lifetime (0 keeps the relay default)")
	oneTime := fs.Bool("one-time", false, "delete the share after the first complete download")
	passphrase := fs.String("passphrase", "", "require this passphrase to download")
	chunkSize := fs.Int64("chunk-size", client.DefaultChunkSize, "chunk size in bytes for chunked uploads")
	fs.Parse(args)

	parsedPaths, err := core.ParseArgs(fs.Args())
	if err != nil {
		return err
	}

	filetree, err := core.BuildFiletree(parsedPaths)
	if err != nil {
		return fmt.Errorf("building filetree: %w", err)
	}

	bundle, err := core.NewBundle(filetree, "")
	if err != nil {
		return fmt.Errorf("compressing: %w", err)
	}
	defer bundle.Cleanup()

	if _, single := filetree.SingleFile(); !single {
		fmt.Printf("✓ Compressed %d files (%d bytes) to %d bytes\n",
			bundle.Files, filetree.UncompressedSize(), bundle.Size)
	}

	opts := client.SendOptions{OneTime: *oneTime, Passphrase: *passphrase}
	if *ttl != 0 {
		opts.TTL = ttl
	}

	c := client.New(*server, nil)
	var code string
	if opts.HasShareSettings() {
		share, err := c.Send(ctx, bundle.Path, bundle.Name, opts)
		if err != nil {
			return err
		}
		code = share.FileID
	} else {
		code, err = c.SendChunked(ctx, bundle.Path, bundle.Name, *chunkSize, printProgress("uploading"))
		fmt.Println()
		if err != nil {
			return err
		}
	}

	fmt.Printf("✓ Shared %s\n\n  code: %s\n", bundle.Name, code)
	return nil
}

func runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	server := fs.String("server", defaultServer(), "relay base URL")
	passphrase := fs.String("passphrase", "", "share passphrase")
	output := fs.String("o", "", "output file (default: the share code)")
	resume := fs.Bool("resume", false, "continue a partial download")
	fs.Parse(args)

	code, err := codeArg(fs)
	if err != nil {
		return err
	}
	dst := *output
	if dst == "" {
		dst = code
	}

	start := time.Now()
	n, err := client.New(*server, nil).Fetch(ctx, code, dst, client.FetchOptions{
		Passphrase: *passphrase,
		Resume:     *resume,
		Progress:   printProgress("downloading"),
	})
	fmt.Println()
	if errors.Is(err, client.ErrAlreadyComplete) {
		fmt.Printf("✓ %s is already complete\n", dst)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("✓ Saved %d bytes to %s in %s\n", n, dst, time.Since(start).Round(time.Millisecond))
	return nil
}

func runGet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	stream := fs.String("stream", "localhost:9090", "relay stream address")
	passphrase := fs.String("passphrase", "", "share passphrase")
	output := fs.String("o", "", "output file, - for stdout (default: the share code)")
	fs.Parse(args)

	code, err := codeArg(fs)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	dst := *output
	if dst == "" {
		dst = code
	}
	if dst != "-" {
		f, err := os.Create(dst)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := client.Get(ctx, *stream, code, *passphrase, w)
	if err != nil {
		if dst != "-" && n == 0 {
			os.Remove(dst)
		}
		return err
	}

	if dst != "-" {
		fmt.Printf("✓ Saved %d bytes to %s\n", n, dst)
	}
	return nil
}

func codeArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one share code, got %d arguments", fs.NArg())
	}
	return fs.Arg(0), nil
}

func printProgress(verb string) client.ProgressFunc {
	return func(sent, total int64) {
		pct := 100.0
		if total > 0 {
			pct = float64(sent) * 100 / float64(total)
		}
		fmt.Printf("\r%s %d/%d bytes (%.1f%%)", verb, sent, total, pct)
	}
}
