// Package rootfs materializes the root filesystem tree that will be
// packed into the live image, either from a local tar archive or by
// exporting a container image through the configured runtime.
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/mikesimons/docker2usb/internal/archive"
	"github.com/mikesimons/docker2usb/pkg/cleanup"
	"github.com/mikesimons/docker2usb/pkg/runner"
)

// Source selects where the root filesystem comes from. Exactly one of
// Archive and ImageRef must be set.
type Source struct {
	// Archive is the path to a local rootfs tarball.
	Archive string

	// ImageRef is a container image reference resolvable by the
	// configured container runtime.
	ImageRef string
}

func (s Source) Validate() error {
	if (s.Archive == "") == (s.ImageRef == "") {
		return fmt.Errorf("exactly one of archive path and image reference must be given")
	}
	return nil
}

// Provisioner extracts a rootfs source into a destination tree.
type Provisioner struct {
	runner   runner.Runner
	registry *cleanup.Registry
	runtime  string
	excludes []glob.Glob
	log      logrus.FieldLogger
}

func NewProvisioner(r runner.Runner, registry *cleanup.Registry, runtime string, excludes []glob.Glob, log logrus.FieldLogger) *Provisioner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Provisioner{runner: r, registry: registry, runtime: runtime, excludes: excludes, log: log}
}

// Provision populates dest with the root filesystem described by src.
// Intermediate resources (the exported container and its archive) are
// released before Provision returns.
func (p *Provisioner) Provision(src Source, dest string) error {
	if err := src.Validate(); err != nil {
		return err
	}

	scope := cleanup.NewScope("provision")
	defer p.registry.FlushScope(scope)

	archivePath := src.Archive
	if src.ImageRef != "" {
		exported, err := p.exportImage(scope, src.ImageRef, dest)
		if err != nil {
			return err
		}
		archivePath = exported
	}

	p.log.WithField("archive", archivePath).Info("extracting root filesystem")
	if err := archive.Extract(archivePath, dest, p.excludes); err != nil {
		return fmt.Errorf("provisioning rootfs: %w", err)
	}
	return nil
}

// exportImage creates a stopped container from ref and exports its
// filesystem to a tarball next to dest.
func (p *Provisioner) exportImage(scope cleanup.Scope, ref, dest string) (string, error) {
	p.log.WithFields(logrus.Fields{"image": ref, "runtime": p.runtime}).Info("exporting container image")

	out, err := p.runner.Output(p.runtime, "create", ref)
	if err != nil {
		return "", fmt.Errorf("creating container from %s: %w", ref, err)
	}
	containerID := strings.TrimSpace(string(out))
	if containerID == "" {
		return "", fmt.Errorf("%s create returned no container id for %s", p.runtime, ref)
	}
	p.registry.Register(scope, cleanup.EphemeralContainer, containerID)

	exported := filepath.Join(filepath.Dir(dest), "export.tar")
	p.registry.Register(scope, cleanup.File, exported)
	if err := p.runner.Run(nil, nil, os.Stderr, p.runtime, "export", "-o", exported, containerID); err != nil {
		return "", fmt.Errorf("exporting container %s: %w", containerID, err)
	}
	return exported, nil
}
