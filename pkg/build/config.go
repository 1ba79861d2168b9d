package build

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mikesimons/docker2usb/pkg/datasizes"
)

// Config carries the tunables of an image build. The zero value is not
// usable, start from DefaultConfig.
type Config struct {
	// Label is the filesystem label of the payload partition. The
	// kernel command line roots the live system on it.
	Label string `toml:"label"`

	// WorkDir is the parent for scratch directories; empty means the
	// system temp directory.
	WorkDir string `toml:"work_dir"`

	// CacheDir holds downloaded bootloader archives.
	CacheDir string `toml:"cache_dir"`

	// ContainerRuntime is the CLI used to export container images.
	ContainerRuntime string `toml:"container_runtime"`

	// Excludes are glob patterns for rootfs paths left out of the
	// image.
	Excludes []string `toml:"excludes"`

	// FsBufferPercent pads the inner rootfs image over the measured
	// tree size.
	FsBufferPercent uint64 `toml:"fs_buffer_percent"`

	// DiskBufferPercent pads the disk image over the measured content
	// size.
	DiskBufferPercent uint64 `toml:"disk_buffer_percent"`

	// MinDiskSize is the floor for the disk image capacity.
	MinDiskSize datasizes.Size `toml:"min_disk_size"`

	// SyslinuxURL overrides the bootloader release archive location.
	SyslinuxURL string `toml:"syslinux_url"`

	// SyslinuxSHA256 pins the digest of the bootloader archive.
	SyslinuxSHA256 string `toml:"syslinux_sha256"`
}

func DefaultConfig() Config {
	return Config{
		Label:             "DOCKER2USB",
		ContainerRuntime:  "docker",
		FsBufferPercent:   1,
		DiskBufferPercent: 10,
		MinDiskSize:       datasizes.Size(64 * datasizes.MiB),
	}
}

// fatLabelMaxLen is the FAT volume label limit.
const fatLabelMaxLen = 11

func (c Config) Validate() error {
	if c.Label == "" {
		return fmt.Errorf("label must not be empty")
	}
	if len(c.Label) > fatLabelMaxLen {
		return fmt.Errorf("label %q is longer than %d characters", c.Label, fatLabelMaxLen)
	}
	if strings.ContainsAny(c.Label, " \t") {
		return fmt.Errorf("label %q must not contain whitespace", c.Label)
	}
	if c.ContainerRuntime == "" {
		return fmt.Errorf("container runtime must not be empty")
	}
	return nil
}

// LoadConfig reads a TOML configuration file on top of the defaults.
// Unknown keys are rejected so typos do not silently fall back to a
// default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
