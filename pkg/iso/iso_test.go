package iso

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikesimons/docker2usb/pkg/runner"
)

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	workTree := filepath.Join(dir, "tree")
	isohdpfx := filepath.Join(workTree, "boot", "syslinux", "isohdpfx.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(isohdpfx), 0o755))
	require.NoError(t, os.WriteFile(isohdpfx, []byte("HYBRID"), 0o644))

	mock := &runner.MockRunner{}
	output := filepath.Join(dir, "out.iso")
	require.NoError(t, Build(mock, workTree, output, "LIVE"))

	require.Len(t, mock.Calls, 1)
	assert.Equal(t, "xorriso", mock.Calls[0].Name)
	assert.Equal(t, []string{
		"-as", "mkisofs",
		"-o", output,
		"-V", "LIVE",
		"-J", "-R",
		"-b", "boot/syslinux/isolinux.bin",
		"-c", "boot/syslinux/boot.cat",
		"-no-emul-boot",
		"-boot-load-size", "4",
		"-boot-info-table",
		"-isohybrid-mbr", isohdpfx,
		workTree,
	}, mock.Calls[0].Args)
}

func TestBuildMissingHybridImage(t *testing.T) {
	mock := &runner.MockRunner{}
	err := Build(mock, t.TempDir(), "/tmp/out.iso", "LIVE")
	assert.ErrorContains(t, err, "hybrid boot image missing")
	assert.Empty(t, mock.Calls)
}
