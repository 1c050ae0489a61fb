package main

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "mysqld.log"), "a")
	writeFile(t, filepath.Join(dir, "notes.txt"), "b")
	writeFile(t, filepath.Join(dir, "nested", "slow.log"), "c")
	writeFile(t, filepath.Join(dir, ".hidden", "skip.log"), "d")
	writeFile(t, filepath.Join(dir, ".swap.log"), "e")
	extra := filepath.Join(t.TempDir(), "explicit.txt")
	writeFile(t, extra, "f")

	tests := []struct {
		name    string
		paths   []string
		pattern string
		want    []string
	}{
		{
			name:  "all_files",
			paths: []string{dir},
			want: []string{
				filepath.Join(dir, "mysqld.log"),
				filepath.Join(dir, "nested", "slow.log"),
				filepath.Join(dir, "notes.txt"),
			},
		},
		{
			name:    "pattern",
			paths:   []string{dir},
			pattern: "*.log",
			want: []string{
				filepath.Join(dir, "mysqld.log"),
				filepath.Join(dir, "nested", "slow.log"),
			},
		},
		{
			name:    "explicit_file_ignores_pattern",
			paths:   []string{extra, dir, extra},
			pattern: "*.log",
			want: []string{
				extra,
				filepath.Join(dir, "mysqld.log"),
				filepath.Join(dir, "nested", "slow.log"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collectFiles(tt.paths, tt.pattern)
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(got, tt.want) {
				t.Fatalf("got %v\nwant %v", got, tt.want)
			}
		})
	}
}

func TestCollectFiles_Errors(t *testing.T) {
	if _, err := collectFiles([]string{filepath.Join(t.TempDir(), "missing")}, ""); err == nil {
		t.Fatal("expected error for a missing path")
	}
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "x")
	if _, err := collectFiles([]string{dir}, "["); err == nil {
		t.Fatal("expected error for a malformed pattern")
	}
}

func TestReadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.log")
	writeFile(t, path, "2024-01-01 [ERROR] bad byte \xfe here")

	doc, err := readDocument(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Name != "error.log" {
		t.Errorf("name = %q", doc.Name)
	}
	if doc.Text != "2024-01-01 [ERROR] bad byte � here" {
		t.Errorf("text = %q", doc.Text)
	}
}
