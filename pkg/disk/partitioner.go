package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mikesimons/docker2usb/internal/fsutil"
	"github.com/mikesimons/docker2usb/pkg/cleanup"
	"github.com/mikesimons/docker2usb/pkg/runner"
)

// mbrBootCodeSize is the room before the 4-byte disk identifier at
// offset 440 and the partition table behind it. The boot sector image
// must never overwrite either of the structures sfdisk just wrote.
const mbrBootCodeSize = 440

// Partitioner assembles the bootable raw disk image from a prepared
// content tree.
type Partitioner struct {
	runner   runner.Runner
	registry *cleanup.Registry
	log      logrus.FieldLogger

	// MinDiskKiB is the floor for the disk capacity, applied after
	// buffering.
	MinDiskKiB uint64

	// BufferPercent is the growth margin added on top of the measured
	// content size.
	BufferPercent uint64
}

func NewPartitioner(r runner.Runner, registry *cleanup.Registry, log logrus.FieldLogger) *Partitioner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Partitioner{
		runner:        r,
		registry:      registry,
		log:           log,
		MinDiskKiB:    64 * 1024,
		BufferPercent: 10,
	}
}

// WriteImage creates outputPath as a partitioned raw disk image holding
// the contents of workTree on its payload partition, with the boot
// sector and bootloader installed. workTree must already contain
// boot/syslinux with the bootloader files staged. On failure the
// partial image is removed.
func (p *Partitioner) WriteImage(workTree, workDir, outputPath, label string) error {
	measured, err := fsutil.TreeSizeKiB(workTree)
	if err != nil {
		return err
	}
	plan := NewSizePlan(measured, p.BufferPercent)
	targetKiB := plan.TargetKiB
	if targetKiB < p.MinDiskKiB {
		targetKiB = p.MinDiskKiB
	}

	layout, err := NewUsbLayout(AlignedEndMiB(targetKiB))
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"measured_kib": measured,
		"disk_bytes":   layout.SizeBytes(),
		"output":       outputPath,
	}).Info("writing disk image")

	scope := cleanup.NewScope("disk")
	defer p.registry.FlushScope(scope)

	if err := fsutil.CreateSparseFile(outputPath, layout.SizeBytes()); err != nil {
		return err
	}
	outputOb := p.registry.Register(scope, cleanup.File, outputPath)

	device, err := fsutil.AttachLoop(p.runner, outputPath)
	if err != nil {
		return err
	}
	p.registry.Register(scope, cleanup.LoopDevice, device)

	script := layout.SfdiskScript()
	if err := p.runner.Run(strings.NewReader(script), nil, os.Stderr, "sfdisk", device); err != nil {
		return fmt.Errorf("partitioning %s: %w", device, err)
	}

	if err := p.runner.Run(nil, nil, os.Stderr, "kpartx", "-as", device); err != nil {
		return fmt.Errorf("mapping partitions of %s: %w", device, err)
	}
	p.registry.Register(scope, cleanup.PartitionMapping, device)

	payload := filepath.Join("/dev/mapper", filepath.Base(device)+"p2")
	if err := p.runner.Run(nil, nil, os.Stderr, "mkfs.vfat", "-n", label, payload); err != nil {
		return fmt.Errorf("formatting %s: %w", payload, err)
	}

	mountDir := filepath.Join(workDir, "disk-mnt")
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return err
	}
	if err := p.runner.Run(nil, nil, os.Stderr, "mount", payload, mountDir); err != nil {
		return fmt.Errorf("mounting %s: %w", payload, err)
	}
	p.registry.Register(scope, cleanup.Mount, mountDir)

	if err := fsutil.CopyTree(p.runner, workTree, mountDir); err != nil {
		return err
	}

	if err := p.writeBootSector(device, filepath.Join(workTree, "boot", "syslinux", "mbr.bin")); err != nil {
		return err
	}
	if err := p.runner.Run(nil, nil, os.Stderr, "extlinux", "--install", filepath.Join(mountDir, "boot", "syslinux")); err != nil {
		return fmt.Errorf("installing bootloader: %w", err)
	}

	// the image is complete; everything else still gets torn down
	p.registry.Withdraw(outputOb)
	return nil
}

// writeBootSector copies the boot code image into the first sector of
// the device without touching the partition table behind it.
func (p *Partitioner) writeBootSector(device, mbrPath string) error {
	code, err := os.ReadFile(mbrPath)
	if err != nil {
		return fmt.Errorf("reading boot sector image: %w", err)
	}
	if len(code) > mbrBootCodeSize {
		return fmt.Errorf("boot sector image %s is %d bytes, the boot code area holds %d", mbrPath, len(code), mbrBootCodeSize)
	}

	f, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(code, 0); err != nil {
		f.Close()
		return fmt.Errorf("writing boot sector to %s: %w", device, err)
	}
	return f.Close()
}
