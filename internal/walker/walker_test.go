package walker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestWalkIncludesAllFilesLexicographic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")
	writeFile(t, dir, "assets/style.css", "body{}")
	writeFile(t, dir, "assets/app.js", "console.log(1)")

	res, err := Walk(dir, nil)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(res.Included) != 3 {
		t.Fatalf("want 3 files, got %d: %+v", len(res.Included), res.Included)
	}
	want := []string{"/assets/app.js", "/assets/style.css", "/index.html"}
	for i, e := range res.Included {
		if e.Path != want[i] {
			t.Errorf("index %d: want %s, got %s", i, want[i], e.Path)
		}
	}
}

func TestWalkAppliesIgnorePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "keep")
	writeFile(t, dir, "node_modules/pkg/index.js", "skip")
	writeFile(t, dir, ".DS_Store", "skip")

	spec, err := ParseIgnore(strings.NewReader("node_modules\n.DS_Store\n# comment\n"))
	if err != nil {
		t.Fatalf("parse ignore: %v", err)
	}

	res, err := Walk(dir, spec)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(res.Included) != 1 || res.Included[0].Path != "/index.html" {
		t.Fatalf("want only /index.html, got %+v", res.Included)
	}
}

func TestWalkHashIsContentAddressed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "same content")
	writeFile(t, dir, "b.txt", "same content")
	writeFile(t, dir, "c.txt", "different")

	res, err := Walk(dir, nil)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	byPath := map[string]Entry{}
	for _, e := range res.Included {
		byPath[e.Path] = e
	}
	if byPath["/a.txt"].Hash != byPath["/b.txt"].Hash {
		t.Errorf("identical content should hash identically")
	}
	if byPath["/a.txt"].Hash == byPath["/c.txt"].Hash {
		t.Errorf("different content should hash differently")
	}
	if len(byPath["/a.txt"].Cached) == 0 {
		t.Errorf("small file should be cached")
	}
}

func TestMediaTypeDefaultsToOctetStream(t *testing.T) {
	if got := MediaType("/index.html"); got != "text/html" {
		t.Errorf("got %s", got)
	}
	if got := MediaType("/data.bin"); got != "application/octet-stream" {
		t.Errorf("got %s", got)
	}
}

func TestIgnoreMatchBasenameVsFullPath(t *testing.T) {
	spec, _ := ParseIgnore(strings.NewReader("*.log\n/build/output\n"))
	if !spec.Match("debug.log") {
		t.Error("basename pattern should match debug.log")
	}
	if !spec.Match("nested/debug.log") {
		t.Error("basename pattern should match nested/debug.log")
	}
	if !spec.Match("build/output") {
		t.Error("full-path pattern should match build/output")
	}
	if spec.Match("other/build/output") {
		t.Error("full-path pattern should not match a different prefix")
	}
}
