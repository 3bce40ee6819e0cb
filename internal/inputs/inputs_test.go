package inputs

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, filepath.Join(dir, "logs", "b.json"))
	touch(t, filepath.Join(dir, "logs", "a.json"))
	touch(t, filepath.Join(dir, "logs", "skip.txt"))
	touch(t, filepath.Join(dir, "one.json"))

	files, missing, err := Expand([]string{
		filepath.Join(dir, "one.json"),
		filepath.Join(dir, "logs"),
		filepath.Join(dir, "one.json"), // duplicate
		filepath.Join(dir, "gone.json"),
	}, "*.json")
	if err != nil {
		t.Fatalf("Expand() err=%v", err)
	}

	want := []string{
		filepath.Join(dir, "one.json"),
		filepath.Join(dir, "logs", "a.json"),
		filepath.Join(dir, "logs", "b.json"),
	}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("files = %v, want %v", files, want)
		}
	}

	if len(missing) != 1 || missing[0] != filepath.Join(dir, "gone.json") {
		t.Fatalf("missing = %v, want the one absent path", missing)
	}
}

func TestExpand_DirectoryFileAlreadySeen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "a.json")
	touch(t, p)

	files, _, err := Expand([]string{p, dir}, "*.json")
	if err != nil {
		t.Fatalf("Expand() err=%v", err)
	}
	if len(files) != 1 {
		t.Fatalf("files = %v, want a single entry", files)
	}
}

func TestExpand_Empty(t *testing.T) {
	t.Parallel()

	files, missing, err := Expand(nil, "*.json")
	if err != nil {
		t.Fatalf("Expand() err=%v", err)
	}
	if len(files) != 0 || len(missing) != 0 {
		t.Fatalf("files=%v missing=%v, want both empty", files, missing)
	}
}

func TestExpand_BadGlob(t *testing.T) {
	t.Parallel()

	if _, _, err := Expand([]string{t.TempDir()}, "[bad"); err == nil {
		t.Fatal("Expand(bad glob) err=nil, want error")
	}
}
