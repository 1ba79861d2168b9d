// Package squashfs packs a root filesystem tree into the nested
// LiveOS layout: an ext4 image holding the tree, wrapped in a squashfs
// so the live initramfs can find LiveOS/rootfs.img inside
// LiveOS/squashfs.img.
package squashfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/mikesimons/docker2usb/internal/fsutil"
	"github.com/mikesimons/docker2usb/pkg/cleanup"
	"github.com/mikesimons/docker2usb/pkg/disk"
	"github.com/mikesimons/docker2usb/pkg/runner"
)

// Builder creates the squashed LiveOS payload.
type Builder struct {
	runner   runner.Runner
	registry *cleanup.Registry
	log      logrus.FieldLogger

	// BufferPercent is the free-space margin of the inner ext4 image.
	BufferPercent uint64
}

func NewBuilder(r runner.Runner, registry *cleanup.Registry, log logrus.FieldLogger) *Builder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{runner: r, registry: registry, log: log, BufferPercent: 1}
}

// Build packs contentTree into outputDir/LiveOS/squashfs.img. workDir
// is used for the staging tree and the loop mount; everything staged
// there is released before Build returns.
func (b *Builder) Build(contentTree, workDir, outputDir string) error {
	measured, err := fsutil.TreeSizeKiB(contentTree)
	if err != nil {
		return err
	}
	plan := disk.NewSizePlan(measured, b.BufferPercent)
	b.log.WithFields(logrus.Fields{
		"measured_kib": plan.MeasuredKiB,
		"image_kib":    plan.TargetKiB,
	}).Info("building squashfs payload")

	scope := cleanup.NewScope("squashfs")
	defer b.registry.FlushScope(scope)

	staging := filepath.Join(workDir, "squashfs-staging")
	if err := os.MkdirAll(filepath.Join(staging, "LiveOS"), 0o755); err != nil {
		return err
	}
	b.registry.Register(scope, cleanup.File, staging)

	rootfsImg := filepath.Join(staging, "LiveOS", "rootfs.img")
	if err := fsutil.CreateSparseFile(rootfsImg, plan.TargetBytes()); err != nil {
		return err
	}

	device, err := fsutil.AttachLoop(b.runner, rootfsImg)
	if err != nil {
		return err
	}
	b.registry.Register(scope, cleanup.LoopDevice, device)

	if err := b.runner.Run(nil, nil, os.Stderr, "mkfs.ext4", "-q", device); err != nil {
		return fmt.Errorf("formatting %s: %w", device, err)
	}

	mountDir := filepath.Join(workDir, "rootfs-mnt")
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return err
	}
	if err := b.runner.Run(nil, nil, os.Stderr, "mount", device, mountDir); err != nil {
		return fmt.Errorf("mounting %s: %w", device, err)
	}
	mountOb := b.registry.Register(scope, cleanup.Mount, mountDir)

	if err := fsutil.CopyTree(b.runner, contentTree, mountDir); err != nil {
		return err
	}

	// unmount before squashing so the filesystem is fully flushed; the
	// loop device and staging tree are released by the deferred flush
	if err := b.registry.Release(mountOb); err != nil {
		return fmt.Errorf("unmounting %s: %w", mountDir, err)
	}

	if err := os.MkdirAll(filepath.Join(outputDir, "LiveOS"), 0o755); err != nil {
		return err
	}
	squashfsImg := filepath.Join(outputDir, "LiveOS", "squashfs.img")
	if err := b.runner.Run(nil, nil, os.Stderr, "mksquashfs", staging, squashfsImg, "-noappend"); err != nil {
		return fmt.Errorf("creating %s: %w", squashfsImg, err)
	}
	return nil
}
