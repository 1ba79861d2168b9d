package cleanup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mikesimons/docker2usb/pkg/runner"
)

// overridable in tests
var (
	mountinfoPath = "/proc/self/mountinfo"
	sysBlockDir   = "/sys/block"
)

// Handlers provides the default teardown actions for each resource
// kind. External commands go through the injected runner.
type Handlers struct {
	runner           runner.Runner
	containerRuntime string
	log              logrus.FieldLogger
}

func NewHandlers(r runner.Runner, containerRuntime string, log logrus.FieldLogger) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handlers{runner: r, containerRuntime: containerRuntime, log: log}
}

// Map returns the handler table keyed by resource kind.
func (h *Handlers) Map() map[Kind]Handler {
	return map[Kind]Handler{
		File:               h.removeFile,
		Mount:              h.unmount,
		PartitionMapping:   h.removePartitionMappings,
		LoopDevice:         h.detachLoop,
		EphemeralContainer: h.removeContainer,
	}
}

func (h *Handlers) removeFile(path string) error {
	return os.RemoveAll(path)
}

// isMounted reports whether path is a mount point according to the
// mount table of the current process.
func isMounted(path string) (bool, error) {
	f, err := os.Open(mountinfoPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		// field 5 is the mount point, with spaces escaped as \040
		mountPoint := strings.ReplaceAll(fields[4], `\040`, " ")
		if mountPoint == abs {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func (h *Handlers) unmount(path string) error {
	mounted, err := isMounted(path)
	if err != nil {
		return fmt.Errorf("checking mount table for %s: %w", path, err)
	}
	if !mounted {
		return nil
	}
	if err := unix.Unmount(path, 0); err != nil {
		h.log.WithField("path", path).WithError(err).Warn("unmount failed, retrying with detach")
		if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("unmounting %s: %w", path, err)
		}
	}
	return nil
}

// detachLoop detaches a loop device unless it has already lost its
// backing file, in which case there is nothing left to do.
func (h *Handlers) detachLoop(device string) error {
	backing := filepath.Join(sysBlockDir, filepath.Base(device), "loop", "backing_file")
	if _, err := os.Stat(backing); os.IsNotExist(err) {
		return nil
	}
	return h.runner.Run(nil, nil, nil, "losetup", "-d", device)
}

func (h *Handlers) removePartitionMappings(device string) error {
	return h.runner.Run(nil, nil, nil, "kpartx", "-d", device)
}

func (h *Handlers) removeContainer(id string) error {
	return h.runner.Run(nil, nil, nil, h.containerRuntime, "rm", "-f", id)
}
