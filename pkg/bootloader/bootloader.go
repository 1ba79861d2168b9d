// Package bootloader fetches a syslinux release and stages its BIOS
// boot files and configuration into the image content tree.
package bootloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/mikesimons/docker2usb/internal/archive"
	"github.com/mikesimons/docker2usb/pkg/hashutil"
)

// Version is the syslinux release the default URL points at.
const Version = "6.03"

// DefaultURL is the upstream release archive.
const DefaultURL = "https://mirrors.edge.kernel.org/pub/linux/utils/boot/syslinux/syslinux-" + Version + ".tar.xz"

// biosFiles maps archive members to their file names under
// boot/syslinux in the content tree.
var biosFiles = map[string]string{
	"syslinux-" + Version + "/bios/mbr/mbr.bin":                       "mbr.bin",
	"syslinux-" + Version + "/bios/mbr/isohdpfx.bin":                  "isohdpfx.bin",
	"syslinux-" + Version + "/bios/core/isolinux.bin":                 "isolinux.bin",
	"syslinux-" + Version + "/bios/com32/elflink/ldlinux/ldlinux.c32": "ldlinux.c32",
	"syslinux-" + Version + "/bios/com32/menu/menu.c32":               "menu.c32",
	"syslinux-" + Version + "/bios/com32/libutil/libutil.c32":         "libutil.c32",
}

const configTemplate = `UI menu.c32
PROMPT 0
TIMEOUT 50
DEFAULT linux

LABEL linux
  MENU LABEL Boot live system
  KERNEL /boot/vmlinuz
  APPEND initrd=/boot/initrd.img root=live:LABEL=%s rd.live.image quiet
`

// Installer downloads and stages the bootloader. Downloads are cached
// by archive file name; a cache hit skips the network entirely.
type Installer struct {
	client   *retryablehttp.Client
	cacheDir string
	url      string
	sha256   string
	log      logrus.FieldLogger
}

// NewInstaller returns an installer caching into cacheDir. An empty
// url selects DefaultURL. A non-empty sha256 pins the archive digest;
// with an empty one the download is trusted as fetched.
func NewInstaller(cacheDir, url, sha256 string, log logrus.FieldLogger) *Installer {
	if url == "" {
		url = DefaultURL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil
	return &Installer{client: client, cacheDir: cacheDir, url: url, sha256: sha256, log: log}
}

// Fetch returns the local path of the release archive, downloading it
// unless a verified copy is already cached.
func (ins *Installer) Fetch() (string, error) {
	if err := os.MkdirAll(ins.cacheDir, 0o755); err != nil {
		return "", err
	}
	cached := filepath.Join(ins.cacheDir, path.Base(ins.url))

	if _, err := os.Stat(cached); err == nil {
		if err := ins.verify(cached); err == nil {
			ins.log.WithField("archive", cached).Debug("using cached bootloader archive")
			return cached, nil
		}
		ins.log.WithField("archive", cached).Warn("cached bootloader archive failed verification, refetching")
		if err := os.Remove(cached); err != nil {
			return "", err
		}
	}

	ins.log.WithField("url", ins.url).Info("downloading bootloader")
	if err := ins.download(cached); err != nil {
		return "", err
	}
	if err := ins.verify(cached); err != nil {
		return "", err
	}
	return cached, nil
}

func (ins *Installer) download(dest string) error {
	resp, err := ins.client.Get(ins.url)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", ins.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: %s", ins.url, resp.Status)
	}

	tmp, err := os.CreateTemp(ins.cacheDir, "download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading %s: %w", ins.url, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (ins *Installer) verify(archivePath string) error {
	if ins.sha256 == "" {
		return nil
	}
	digest, err := hashutil.Sha256sum(archivePath)
	if err != nil {
		return err
	}
	if digest != ins.sha256 {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", archivePath, digest, ins.sha256)
	}
	return nil
}

// Stage places the BIOS boot files and a generated configuration under
// workTree/boot/syslinux. label is the filesystem label the kernel
// command line roots the live system on.
func (ins *Installer) Stage(workTree, label string) error {
	archivePath, err := ins.Fetch()
	if err != nil {
		return err
	}

	dir := filepath.Join(workTree, "boot", "syslinux")
	want := make(map[string]string, len(biosFiles))
	for member, name := range biosFiles {
		want[member] = filepath.Join(dir, name)
	}
	if err := archive.ExtractFiles(archivePath, want); err != nil {
		return fmt.Errorf("staging bootloader files: %w", err)
	}

	cfg := fmt.Sprintf(configTemplate, label)
	if err := os.WriteFile(filepath.Join(dir, "syslinux.cfg"), []byte(cfg), 0o644); err != nil {
		return err
	}
	// isolinux reads the same configuration under its own name
	return os.WriteFile(filepath.Join(dir, "isolinux.cfg"), []byte(cfg), 0o644)
}
