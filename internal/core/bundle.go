package core

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
)

// Bundle is the single file that represents a Filetree on the wire.
type Bundle struct {
	Name  string // name announced to the server
	Path  string // local file to upload
	Size  int64
	Files int

	temporary bool
}

// NewBundle prepares ft for upload. A lone file is sent as-is; anything
// else is zipped into a temporary file under tmpDir ("" for the system
// default). Call Cleanup when done.
func NewBundle(ft *Filetree, tmpDir string) (*Bundle, error) {
	if f, ok := ft.SingleFile(); ok {
		return &Bundle{Name: f.Name(), Path: f.Path(), Size: f.Size(), Files: 1}, nil
	}

	out, err := os.CreateTemp(tmpDir, "peerlink-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	if err := ft.WriteZip(out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, err
	}

	info, err := out.Stat()
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}

	return &Bundle{
		Name:      ft.Root.Name() + ".zip",
		Path:      out.Name(),
		Size:      info.Size(),
		Files:     len(ft.Files()),
		temporary: true,
	}, nil
}

// Cleanup removes the archive if NewBundle created one.
func (b *Bundle) Cleanup() error {
	if !b.temporary {
		return nil
	}
	return os.Remove(b.Path)
}

// WriteZip streams the tree as a zip archive whose top-level entry is the
// root's name.
func (ft *Filetree) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)

	if err := compressNode(zw, ft.Root, ""); err != nil {
		zw.Close()
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func compressNode(zw *zip.Writer, node Node, basePath string) error {
	archivePath := path.Join(basePath, node.Name())

	switch n := node.(type) {
	case *File:
		return addFileToZip(zw, n.Path(), archivePath)
	case *Dir:
		if len(n.Children()) == 0 {
			_, err := zw.Create(archivePath + "/")
			return err
		}
		for _, child := range n.Children() {
			if err := compressNode(zw, child, archivePath); err != nil {
				return err
			}
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, srcPath, archivePath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = archivePath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}

	return nil
}
