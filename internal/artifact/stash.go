package artifact

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"cairn/internal/keys"

	"github.com/klauspost/compress/gzip"
)

const (
	maxStashEntrySize = 4 << 30
	maxStashTotalSize = 16 << 30
)

// writeStash packs files (relative path to local path) into a gzipped tar
// stream. Entries are written in path order.
func writeStash(w io.Writer, files map[string]string) error {
	gw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gw)

	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		if err := addStashEntry(tw, rel, files[rel]); err != nil {
			_ = tw.Close()
			_ = gw.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		_ = gw.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func addStashEntry(tw *tar.Writer, rel, local string) error {
	clean, err := keys.CleanRelative(rel)
	if err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", local, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", local)
	}

	hdr := &tar.Header{
		Name:     clean,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime().UTC(),
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", clean, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write %s: %w", clean, err)
	}
	return nil
}

// extractStash unpacks a stream written by writeStash into destDir. Entries
// that would land outside destDir, and anything but regular files and
// directories, are rejected.
func extractStash(r io.Reader, destDir string) (int, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open gzip: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	var total int64
	count := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read tar: %w", err)
		}

		name, err := keys.CleanRelative(trimDirSuffix(hdr.Name))
		if err != nil {
			return count, fmt.Errorf("stash entry %q: %w", hdr.Name, err)
		}
		if hdr.Size > maxStashEntrySize {
			return count, fmt.Errorf("stash entry %s exceeds %d bytes", name, int64(maxStashEntrySize))
		}
		total += hdr.Size
		if total > maxStashTotalSize {
			return count, fmt.Errorf("stash exceeds %d bytes", int64(maxStashTotalSize))
		}
		dest := filepath.Join(destDir, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return count, fmt.Errorf("create dir %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(dest, tr, hdr); err != nil {
				return count, err
			}
			count++
		default:
			return count, fmt.Errorf("stash entry %s has unsupported type %q", name, hdr.Typeflag)
		}
	}
	return count, nil
}

func writeEntry(dest string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", hdr.Name, err)
	}
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", hdr.Name, err)
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", hdr.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", hdr.Name, err)
	}
	return os.Chtimes(dest, hdr.ModTime, hdr.ModTime)
}

func trimDirSuffix(name string) string {
	for len(name) > 1 && name[len(name)-1] == '/' {
		name = name[:len(name)-1]
	}
	return name
}
