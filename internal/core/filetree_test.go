package core

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// Helpers

func createStructure(t *testing.T, basePath string, structure map[string]any) {
	t.Helper()
	for name, content := range structure {
		path := filepath.Join(basePath, name)

		switch v := content.(type) {
		case string:
			if err := os.WriteFile(path, []byte(v), 0644); err != nil {
				t.Fatalf("failed to create file %s: %v", path, err)
			}
		case map[string]any:
			if err := os.Mkdir(path, 0755); err != nil {
				t.Fatalf("failed to create directory %s: %v", path, err)
			}
			createStructure(t, path, v)
		default:
			t.Fatalf("unsupported structure type for %s", name)
		}
	}
}

func setupTree(t *testing.T, name string, structure map[string]any) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), name)
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	createStructure(t, root, structure)
	return root
}

func names(nodes []Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Name())
	}
	sort.Strings(out)
	return out
}

// Tests

func TestBuildFiletree(t *testing.T) {
	t.Run("single file", func(t *testing.T) {
		paths := setupTestFiles(t, map[string]string{"test.txt": "content"})

		tree, err := BuildFiletree([]ParsedPath{{FullPath: paths[0], Kind: PathFile}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		f, ok := tree.SingleFile()
		if !ok {
			t.Fatalf("expected root to be a file, got %T", tree.Root)
		}
		if f.Name() != "test.txt" || f.Size() != 7 {
			t.Errorf("unexpected file %s (%d bytes)", f.Name(), f.Size())
		}
		if f.Parent() != nil {
			t.Error("expected root file to have no parent")
		}
	})

	t.Run("nested directory", func(t *testing.T) {
		root := setupTree(t, "project", map[string]any{
			"README.md": "hello",
			"src": map[string]any{
				"main.go": "package main",
				"lib":     map[string]any{"util.go": "package lib"},
			},
		})

		tree, err := BuildFiletree([]ParsedPath{{FullPath: root, Kind: PathDir}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		dir, ok := tree.Root.(*Dir)
		if !ok {
			t.Fatalf("expected root to be a dir, got %T", tree.Root)
		}
		if dir.Name() != "project" {
			t.Errorf("expected name project, got %s", dir.Name())
		}
		if len(dir.Children()) != 2 {
			t.Errorf("expected 2 children, got %d", len(dir.Children()))
		}

		got := names(tree.FlattenTree())
		want := []string{"README.md", "lib", "main.go", "project", "src", "util.go"}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("expected %v, got %v", want, got)
				break
			}
		}

		if n := len(tree.Files()); n != 3 {
			t.Errorf("expected 3 files, got %d", n)
		}
		if size := tree.UncompressedSize(); size != int64(len("hello")+len("package main")+len("package lib")) {
			t.Errorf("unexpected size %d", size)
		}
	})

	t.Run("parents are linked", func(t *testing.T) {
		root := setupTree(t, "top", map[string]any{
			"inner": map[string]any{"leaf.txt": "x"},
		})

		tree, err := BuildFiletree([]ParsedPath{{FullPath: root, Kind: PathDir}})
		if err != nil {
			t.Fatal(err)
		}

		leaf := tree.Files()[0]
		if leaf.Parent() == nil || leaf.Parent().Name() != "inner" {
			t.Fatalf("expected leaf parent inner, got %v", leaf.Parent())
		}
		if leaf.Parent().Parent() != tree.Root {
			t.Error("expected inner to hang off the root")
		}
	})

	t.Run("multiple paths get a virtual root", func(t *testing.T) {
		paths := setupTestFiles(t, map[string]string{"a.txt": "a", "b.txt": "b"})
		dir := setupTree(t, "docs", map[string]any{"c.txt": "c"})

		tree, err := BuildFiletree([]ParsedPath{
			{FullPath: paths[0], Kind: PathFile},
			{FullPath: paths[1], Kind: PathFile},
			{FullPath: dir, Kind: PathDir},
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, ok := tree.SingleFile(); ok {
			t.Fatal("expected a directory root")
		}
		root := tree.Root.(*Dir)
		if len(root.Children()) != 3 {
			t.Errorf("expected 3 children, got %d", len(root.Children()))
		}
		for _, f := range tree.Files() {
			if f.Parent() == nil {
				t.Errorf("file %s has no parent", f.Name())
			}
		}
	})

	t.Run("no paths", func(t *testing.T) {
		if _, err := BuildFiletree(nil); err == nil {
			t.Fatal("expected error for empty input")
		}
	})

	t.Run("unreadable directory", func(t *testing.T) {
		_, err := BuildFiletree([]ParsedPath{{FullPath: "/nonexistent/dir", Kind: PathDir}})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestCreateVirtualRoot(t *testing.T) {
	a := &File{path: "/tmp/a", name: "a"}
	d := &Dir{path: "/tmp/d", name: "d"}

	root := createVirtualRoot([]Node{a, d}, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))

	if root.Name() != "peerlink_2026_03_04_050607" {
		t.Errorf("unexpected name %s", root.Name())
	}
	if a.Parent() != root || d.Parent() != root {
		t.Error("expected children to point at the virtual root")
	}
}
