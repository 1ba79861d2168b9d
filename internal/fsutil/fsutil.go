// Package fsutil collects the small filesystem helpers shared by the
// image build pipeline: tree size measurement, sparse image files, loop
// device attachment and tree copies that preserve ownership and xattrs.
package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mikesimons/docker2usb/pkg/runner"
)

// TreeSizeKiB measures the disk footprint of a directory tree the way
// `du` does: every regular file is rounded up to whole KiB and each
// directory contributes 4 KiB for its own entry.
func TreeSizeKiB(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			total += 4
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += (uint64(info.Size()) + 1023) / 1024
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", root, err)
	}
	return total, nil
}

// CreateSparseFile creates path as a sparse file of the given size. An
// existing file is truncated.
func CreateSparseFile(path string, size uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return fmt.Errorf("resizing %s: %w", path, err)
	}
	return f.Close()
}

// AttachLoop attaches path to the first free loop device and returns
// the device node.
func AttachLoop(r runner.Runner, path string) (string, error) {
	out, err := r.Output("losetup", "--show", "-f", path)
	if err != nil {
		return "", err
	}
	device := strings.TrimSpace(string(out))
	if device == "" {
		return "", fmt.Errorf("losetup returned no device for %s", path)
	}
	return device, nil
}

// CopyTree copies the contents of src into dst, preserving ownership,
// permissions, timestamps and xattrs. Both directories must exist.
func CopyTree(r runner.Runner, src, dst string) error {
	return r.Run(nil, nil, os.Stderr, "cp", "-a", src+"/.", dst)
}

// CopyFile copies a single regular file, creating or truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
