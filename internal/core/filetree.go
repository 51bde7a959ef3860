package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Filetree is the set of local paths to send, rooted at a single node.
// Several top-level paths hang off a virtual root directory.
type Filetree struct {
	Root Node
}

func BuildFiletree(paths []ParsedPath) (*Filetree, error) {
	var rootNodes []Node

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDirTree(parsedPath.FullPath)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, dirNode)
		} else {
			fileNode, err := newFile(parsedPath.FullPath, nil)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, fileNode)
		}
	}

	if len(rootNodes) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}

	if len(rootNodes) == 1 {
		return &Filetree{Root: rootNodes[0]}, nil
	}
	return &Filetree{Root: createVirtualRoot(rootNodes, time.Now())}, nil
}

func newFile(path string, parent *Dir) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &File{
		path: path,
		name: filepath.Base(path),
		size: info.Size(),
		dir:  parent,
	}, nil
}

func buildDirTree(dirPath string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			childDir, err := buildDirTree(childPath)
			if err != nil {
				return nil, err
			}
			childDir.parent = dir
			dir.children = append(dir.children, childDir)
		case entry.Type().IsRegular():
			childFile, err := newFile(childPath, dir)
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, childFile)
		}
		// Symlinks, sockets and devices are skipped.
	}

	return dir, nil
}

func createVirtualRoot(children []Node, now time.Time) *Dir {
	name := fmt.Sprintf("peerlink_%s", now.Format("2006_01_02_150405"))
	virtualRoot := &Dir{
		path:     name,
		name:     name,
		children: children,
	}

	for _, child := range children {
		switch n := child.(type) {
		case *Dir:
			n.parent = virtualRoot
		case *File:
			n.dir = virtualRoot
		}
	}

	return virtualRoot
}

// FlattenTree lists every node depth-first, parents before children.
func (ft *Filetree) FlattenTree() []Node {
	var out []Node
	var walk func(Node)
	walk = func(n Node) {
		out = append(out, n)
		if d, ok := n.(*Dir); ok {
			for _, c := range d.children {
				walk(c)
			}
		}
	}
	walk(ft.Root)
	return out
}

// Files returns only the regular files of the tree.
func (ft *Filetree) Files() []*File {
	var files []*File
	for _, n := range ft.FlattenTree() {
		if f, ok := n.(*File); ok {
			files = append(files, f)
		}
	}
	return files
}

// UncompressedSize sums the sizes of all files.
func (ft *Filetree) UncompressedSize() int64 {
	var total int64
	for _, f := range ft.Files() {
		total += f.size
	}
	return total
}

// SingleFile returns the root when the tree is one plain file.
func (ft *Filetree) SingleFile() (*File, bool) {
	f, ok := ft.Root.(*File)
	return f, ok
}
