// Package iso wraps the content tree into an ISO-hybrid image that
// boots from optical media and from a USB stick.
package iso

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikesimons/docker2usb/pkg/runner"
)

// Build writes outputPath as a hybrid ISO 9660 image of workTree.
// workTree must carry the staged isolinux files under boot/syslinux.
func Build(r runner.Runner, workTree, outputPath, label string) error {
	isohdpfx := filepath.Join(workTree, "boot", "syslinux", "isohdpfx.bin")
	if _, err := os.Stat(isohdpfx); err != nil {
		return fmt.Errorf("hybrid boot image missing: %w", err)
	}

	err := r.Run(nil, nil, os.Stderr, "xorriso",
		"-as", "mkisofs",
		"-o", outputPath,
		"-V", label,
		"-J", "-R",
		"-b", "boot/syslinux/isolinux.bin",
		"-c", "boot/syslinux/boot.cat",
		"-no-emul-boot",
		"-boot-load-size", "4",
		"-boot-info-table",
		"-isohybrid-mbr", isohdpfx,
		workTree,
	)
	if err != nil {
		return fmt.Errorf("creating iso image: %w", err)
	}
	return nil
}
