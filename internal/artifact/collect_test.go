package artifact

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestCollect(t *testing.T) {
	t.Parallel()
	dir, _ := workspace(t, map[string]string{
		"build/app.jar":         "j",
		"build/libs/dep.jar":    "d",
		"build/tmp/scratch.jar": "s",
		"src/Main.java":         "m",
	})

	tests := []struct {
		name     string
		includes []string
		excludes []string
		want     string
	}{
		{name: "everything", want: "build/app.jar,build/libs/dep.jar,build/tmp/scratch.jar,src/Main.java"},
		{name: "recursive glob", includes: []string{"build/**/*.jar"}, want: "build/app.jar,build/libs/dep.jar,build/tmp/scratch.jar"},
		{name: "single level", includes: []string{"build/*.jar"}, want: "build/app.jar"},
		{name: "with excludes", includes: []string{"**/*.jar"}, excludes: []string{"build/tmp/**"}, want: "build/app.jar,build/libs/dep.jar"},
		{name: "no match", includes: []string{"*.war"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			files, err := Collect(dir, tt.includes, tt.excludes)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			rels := make([]string, 0, len(files))
			for rel, abs := range files {
				if !filepath.IsAbs(abs) {
					t.Fatalf("Collect()[%s] = %q, want absolute path", rel, abs)
				}
				rels = append(rels, rel)
			}
			sort.Strings(rels)
			if got := strings.Join(rels, ","); got != tt.want {
				t.Fatalf("Collect() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCollect_RejectsEmptyPattern(t *testing.T) {
	t.Parallel()
	if _, err := Collect(t.TempDir(), []string{" "}, nil); err == nil {
		t.Fatalf("Collect() error = nil, want error")
	}
}

func TestExtractStash_RejectsTraversal(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"../evil.txt", "/etc/evil", "a/../../evil"} {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gw)
		_ = tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: 1, Typeflag: tar.TypeReg})
		_, _ = tw.Write([]byte("x"))
		_ = tw.Close()
		_ = gw.Close()

		dest := t.TempDir()
		if _, err := extractStash(&buf, dest); err == nil {
			t.Fatalf("extractStash(%q) error = nil, want rejection", name)
		}
		if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "evil.txt")); err == nil {
			t.Fatalf("extractStash(%q) wrote outside destination", name)
		}
	}
}

func TestExtractStash_RejectsSymlinks(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	_ = tw.WriteHeader(&tar.Header{Name: "link", Linkname: "/etc/passwd", Typeflag: tar.TypeSymlink})
	_ = tw.Close()
	_ = gw.Close()

	if _, err := extractStash(&buf, t.TempDir()); err == nil {
		t.Fatalf("extractStash() error = nil, want unsupported type")
	}
}
