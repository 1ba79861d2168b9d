// Package build orchestrates the image pipeline: provision the rootfs,
// pack it into the LiveOS payload, stage the kernel and bootloader and
// write the final disk or ISO image.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/mikesimons/docker2usb/internal/archive"
	"github.com/mikesimons/docker2usb/internal/fsutil"
	"github.com/mikesimons/docker2usb/pkg/cleanup"
	"github.com/mikesimons/docker2usb/pkg/disk"
	"github.com/mikesimons/docker2usb/pkg/iso"
	"github.com/mikesimons/docker2usb/pkg/rootfs"
	"github.com/mikesimons/docker2usb/pkg/runner"
	"github.com/mikesimons/docker2usb/pkg/squashfs"
)

// BootStager stages bootloader files and configuration into the
// content tree.
type BootStager interface {
	Stage(workTree, label string) error
}

// Pipeline wires the build stages together. All kernel-global
// resources the stages allocate go through the shared registry.
type Pipeline struct {
	cfg         Config
	runner      runner.Runner
	registry    *cleanup.Registry
	provisioner *rootfs.Provisioner
	squash      *squashfs.Builder
	partitioner *disk.Partitioner
	boot        BootStager
	log         logrus.FieldLogger
}

func NewPipeline(cfg Config, r runner.Runner, registry *cleanup.Registry, boot BootStager, log logrus.FieldLogger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	excludes, err := archive.CompileExcludes(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	squash := squashfs.NewBuilder(r, registry, log)
	squash.BufferPercent = cfg.FsBufferPercent

	partitioner := disk.NewPartitioner(r, registry, log)
	partitioner.BufferPercent = cfg.DiskBufferPercent
	partitioner.MinDiskKiB = uint64(cfg.MinDiskSize) / 1024

	return &Pipeline{
		cfg:         cfg,
		runner:      r,
		registry:    registry,
		provisioner: rootfs.NewProvisioner(r, registry, cfg.ContainerRuntime, excludes, log),
		squash:      squash,
		partitioner: partitioner,
		boot:        boot,
		log:         log,
	}, nil
}

// Run builds the bootable raw disk image at outputPath.
func (p *Pipeline) Run(ctx context.Context, src rootfs.Source, outputPath string) error {
	scope := cleanup.NewScope("build")
	defer p.registry.FlushScope(scope)

	workDir, workTree, err := p.prepare(ctx, scope, src)
	if err != nil {
		return err
	}

	p.log.WithField("output", outputPath).Info("writing raw disk image")
	return p.partitioner.WriteImage(workTree, workDir, outputPath, p.cfg.Label)
}

// RunISO builds the hybrid ISO image at outputPath.
func (p *Pipeline) RunISO(ctx context.Context, src rootfs.Source, outputPath string) error {
	scope := cleanup.NewScope("build")
	defer p.registry.FlushScope(scope)

	_, workTree, err := p.prepare(ctx, scope, src)
	if err != nil {
		return err
	}

	p.log.WithField("output", outputPath).Info("writing iso image")
	return iso.Build(p.runner, workTree, outputPath, p.cfg.Label)
}

// prepare runs the stages shared by both image types and returns the
// scratch directory and the finished content tree.
func (p *Pipeline) prepare(ctx context.Context, scope cleanup.Scope, src rootfs.Source) (string, string, error) {
	workDir, err := os.MkdirTemp(p.cfg.WorkDir, "docker2usb-*")
	if err != nil {
		return "", "", err
	}
	p.registry.Register(scope, cleanup.File, workDir)

	tree := filepath.Join(workDir, "rootfs")
	if err := os.Mkdir(tree, 0o755); err != nil {
		return "", "", err
	}
	if err := p.provisioner.Provision(src, tree); err != nil {
		return "", "", err
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	workTree := filepath.Join(workDir, "content")
	if err := os.Mkdir(workTree, 0o755); err != nil {
		return "", "", err
	}
	if err := p.squash.Build(tree, workDir, workTree); err != nil {
		return "", "", err
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	if err := p.stageKernel(tree, workTree); err != nil {
		return "", "", err
	}
	if err := p.boot.Stage(workTree, p.cfg.Label); err != nil {
		return "", "", fmt.Errorf("staging bootloader: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	return workDir, workTree, nil
}

// stageKernel copies the newest kernel and initrd out of the rootfs
// boot directory under the fixed names the bootloader configuration
// refers to.
func (p *Pipeline) stageKernel(tree, workTree string) error {
	bootDir := filepath.Join(tree, "boot")

	kernel, err := newestWithPrefix(bootDir, "vmlinuz")
	if err != nil {
		return err
	}
	if kernel == "" {
		return fmt.Errorf("no kernel found under %s, the rootfs must ship a vmlinuz", bootDir)
	}

	initrd, err := newestWithPrefix(bootDir, "initrd", "initramfs")
	if err != nil {
		return err
	}
	if initrd == "" {
		return fmt.Errorf("no initrd found under %s, the rootfs must ship an initrd or initramfs", bootDir)
	}

	p.log.WithFields(logrus.Fields{"kernel": kernel, "initrd": initrd}).Info("staging kernel")

	destBoot := filepath.Join(workTree, "boot")
	if err := os.MkdirAll(destBoot, 0o755); err != nil {
		return err
	}
	if err := fsutil.CopyFile(filepath.Join(bootDir, kernel), filepath.Join(destBoot, "vmlinuz")); err != nil {
		return err
	}
	return fsutil.CopyFile(filepath.Join(bootDir, initrd), filepath.Join(destBoot, "initrd.img"))
}

// newestWithPrefix returns the regular file in dir with the highest
// embedded version whose name starts with one of the prefixes, or ""
// when none matches.
func newestWithPrefix(dir string, prefixes ...string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var matches []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(e.Name(), prefix) {
				matches = append(matches, e.Name())
				break
			}
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Slice(matches, func(i, j int) bool { return versionLess(matches[i], matches[j]) })
	return matches[len(matches)-1], nil
}

// versionLess orders kernel file names by their embedded version, so
// 5.10 outranks 5.9. Names without a parseable version fall back to
// plain string order.
func versionLess(a, b string) bool {
	va, errA := version.NewVersion(versionSuffix(a))
	vb, errB := version.NewVersion(versionSuffix(b))
	if errA == nil && errB == nil && !va.Equal(vb) {
		return va.LessThan(vb)
	}
	return a < b
}

// versionSuffix cuts a file name down to the part starting at the
// first digit: "vmlinuz-5.15.0-91-generic" becomes "5.15.0-91-generic".
func versionSuffix(name string) string {
	for i, r := range name {
		if r >= '0' && r <= '9' {
			return name[i:]
		}
	}
	return ""
}
