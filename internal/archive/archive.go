// Package archive extracts rootfs tarballs and picks single members out
// of release archives. Gzip, xz and zstd compression are detected by
// file extension.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// CompileExcludes turns glob patterns into matchers applied to the
// slash-separated path of each archive entry.
func CompileExcludes(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func excluded(name string, excludes []glob.Glob) bool {
	for _, g := range excludes {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// decompress wraps r according to the archive's file extension.
func decompress(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".tgz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".xz"):
		return xz.NewReader(r)
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return r, nil
	}
}

// Extract unpacks the tar archive at archivePath into dest. Entries
// matching an exclude pattern are skipped, as are device nodes and
// fifos. Entry names that would escape dest are rejected.
func Extract(archivePath, dest string, excludes []glob.Glob) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := decompress(archivePath, f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", archivePath, err)
		}
		if err := extractEntry(tr, hdr, dest, excludes); err != nil {
			return fmt.Errorf("extracting %s from %s: %w", hdr.Name, archivePath, err)
		}
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, dest string, excludes []glob.Glob) error {
	name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
	if name == "." || name == "" {
		return nil
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("entry path escapes destination")
	}
	if excluded(name, excludes) {
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return err
			}
		}
		return nil
	}

	target := filepath.Join(dest, filepath.FromSlash(name))
	mode := os.FileMode(hdr.Mode & 0o7777)

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode); err != nil {
			return err
		}
		// MkdirAll applies the umask and leaves existing directories
		// alone, so set the mode explicitly
		if err := os.Chmod(target, mode); err != nil {
			return err
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}
	case tar.TypeLink:
		linkSource := path.Clean(strings.TrimPrefix(hdr.Linkname, "./"))
		if !filepath.IsLocal(filepath.FromSlash(linkSource)) {
			return fmt.Errorf("hardlink target escapes destination")
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Link(filepath.Join(dest, filepath.FromSlash(linkSource)), target); err != nil {
			return err
		}
	default:
		// device nodes, fifos and the like have no place in a live
		// image rootfs
		return nil
	}

	// ownership restore needs privileges; skip silently when it fails
	_ = os.Lchown(target, hdr.Uid, hdr.Gid)
	return nil
}

// ExtractFiles copies selected members of the archive to standalone
// files. want maps the member name inside the archive to its
// destination path. All wanted members must be present.
func ExtractFiles(archivePath string, want map[string]string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := decompress(archivePath, f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}

	remaining := make(map[string]string, len(want))
	for member, dest := range want {
		remaining[member] = dest
	}

	tr := tar.NewReader(r)
	for len(remaining) > 0 {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", archivePath, err)
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		dest, ok := remaining[name]
		if !ok || hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extracting %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
		delete(remaining, name)
	}

	if len(remaining) > 0 {
		missing := make([]string, 0, len(remaining))
		for member := range remaining {
			missing = append(missing, member)
		}
		sort.Strings(missing)
		return fmt.Errorf("members not found in %s: %s", archivePath, strings.Join(missing, ", "))
	}
	return nil
}
