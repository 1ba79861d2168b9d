package cleanup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikesimons/docker2usb/pkg/runner"
)

func TestRemoveFile(t *testing.T) {
	h := NewHandlers(&runner.MockRunner{}, "docker", testLogger())

	dir := t.TempDir()
	target := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "nested", "f"), []byte("x"), 0o644))

	require.NoError(t, h.Map()[File](target))
	assert.NoFileExists(t, target)

	// removing a path that is already gone is fine
	assert.NoError(t, h.Map()[File](target))
}

func TestIsMounted(t *testing.T) {
	dir := t.TempDir()
	info := filepath.Join(dir, "mountinfo")
	content := `24 30 0:22 / /proc rw,nosuid shared:13 - proc proc rw
31 30 8:1 / /mnt/staging rw,relatime shared:1 - ext4 /dev/loop0p1 rw
32 30 8:1 / /mnt/with\040space rw,relatime shared:1 - ext4 /dev/sda1 rw
`
	require.NoError(t, os.WriteFile(info, []byte(content), 0o644))

	orig := mountinfoPath
	mountinfoPath = info
	defer func() { mountinfoPath = orig }()

	mounted, err := isMounted("/mnt/staging")
	require.NoError(t, err)
	assert.True(t, mounted)

	mounted, err = isMounted("/mnt/with space")
	require.NoError(t, err)
	assert.True(t, mounted)

	mounted, err = isMounted("/mnt/other")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestUnmountSkipsUnmountedPath(t *testing.T) {
	dir := t.TempDir()
	info := filepath.Join(dir, "mountinfo")
	require.NoError(t, os.WriteFile(info, []byte("24 30 0:22 / /proc rw - proc proc rw\n"), 0o644))

	orig := mountinfoPath
	mountinfoPath = info
	defer func() { mountinfoPath = orig }()

	h := NewHandlers(&runner.MockRunner{}, "docker", testLogger())
	assert.NoError(t, h.Map()[Mount]("/mnt/not-mounted"))
}

func TestDetachLoop(t *testing.T) {
	dir := t.TempDir()
	orig := sysBlockDir
	sysBlockDir = dir
	defer func() { sysBlockDir = orig }()

	mock := &runner.MockRunner{}
	h := NewHandlers(mock, "docker", testLogger())

	// no backing file: already detached, no command runs
	require.NoError(t, h.Map()[LoopDevice]("/dev/loop7"))
	assert.Empty(t, mock.Calls)

	loopDir := filepath.Join(dir, "loop7", "loop")
	require.NoError(t, os.MkdirAll(loopDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(loopDir, "backing_file"), []byte("/tmp/disk.img\n"), 0o644))

	require.NoError(t, h.Map()[LoopDevice]("/dev/loop7"))
	require.Len(t, mock.Calls, 1)
	assert.Equal(t, []string{"losetup", "-d", "/dev/loop7"}, append([]string{mock.Calls[0].Name}, mock.Calls[0].Args...))
}

func TestRemovePartitionMappings(t *testing.T) {
	mock := &runner.MockRunner{}
	h := NewHandlers(mock, "docker", testLogger())

	require.NoError(t, h.Map()[PartitionMapping]("/dev/loop0"))
	require.Len(t, mock.Calls, 1)
	assert.Equal(t, "kpartx", mock.Calls[0].Name)
	assert.Equal(t, []string{"-d", "/dev/loop0"}, mock.Calls[0].Args)
}

func TestRemoveContainer(t *testing.T) {
	mock := &runner.MockRunner{}
	h := NewHandlers(mock, "podman", testLogger())

	require.NoError(t, h.Map()[EphemeralContainer]("c0ffee"))
	require.Len(t, mock.Calls, 1)
	assert.Equal(t, "podman", mock.Calls[0].Name)
	assert.Equal(t, []string{"rm", "-f", "c0ffee"}, mock.Calls[0].Args)
}
