package bootloader

import (
	"archive/tar"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/mikesimons/docker2usb/pkg/hashutil"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// releaseArchive builds a minimal syslinux release tar.xz holding the
// staged BIOS files.
func releaseArchive(t *testing.T) []byte {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for member := range biosFiles {
		body := []byte("binary:" + member)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: member,
			Mode: 0o644,
			Size: int64(len(body)),
		}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	require.NoError(t, err)
	_, err = xw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	return xzBuf.Bytes()
}

func releaseServer(t *testing.T, body []byte, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStage(t *testing.T) {
	body := releaseArchive(t)
	hits := 0
	srv := releaseServer(t, body, &hits)

	dir := t.TempDir()
	workTree := filepath.Join(dir, "tree")
	ins := NewInstaller(filepath.Join(dir, "cache"), srv.URL+"/syslinux-6.03.tar.xz", "", testLogger())

	require.NoError(t, ins.Stage(workTree, "LIVE"))

	syslinuxDir := filepath.Join(workTree, "boot", "syslinux")
	for _, name := range []string{"mbr.bin", "isohdpfx.bin", "isolinux.bin", "ldlinux.c32", "menu.c32", "libutil.c32"} {
		assert.FileExists(t, filepath.Join(syslinuxDir, name))
	}

	cfg, err := os.ReadFile(filepath.Join(syslinuxDir, "syslinux.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "root=live:LABEL=LIVE rd.live.image")
	assert.Contains(t, string(cfg), "KERNEL /boot/vmlinuz")

	isoCfg, err := os.ReadFile(filepath.Join(syslinuxDir, "isolinux.cfg"))
	require.NoError(t, err)
	assert.Equal(t, cfg, isoCfg)
}

func TestFetchCaches(t *testing.T) {
	body := releaseArchive(t)
	hits := 0
	srv := releaseServer(t, body, &hits)

	cacheDir := filepath.Join(t.TempDir(), "cache")
	ins := NewInstaller(cacheDir, srv.URL+"/syslinux-6.03.tar.xz", "", testLogger())

	first, err := ins.Fetch()
	require.NoError(t, err)
	second, err := ins.Fetch()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, hits)
}

func TestFetchVerifiesPinnedDigest(t *testing.T) {
	body := releaseArchive(t)
	hits := 0
	srv := releaseServer(t, body, &hits)

	dir := t.TempDir()
	wantFile := filepath.Join(dir, "want")
	require.NoError(t, os.WriteFile(wantFile, body, 0o644))
	digest, err := hashutil.Sha256sum(wantFile)
	require.NoError(t, err)

	ins := NewInstaller(filepath.Join(dir, "cache"), srv.URL+"/syslinux-6.03.tar.xz", digest, testLogger())
	_, err = ins.Fetch()
	assert.NoError(t, err)

	bad := NewInstaller(filepath.Join(dir, "cache2"), srv.URL+"/syslinux-6.03.tar.xz", "deadbeef", testLogger())
	_, err = bad.Fetch()
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestFetchRefetchesCorruptedCache(t *testing.T) {
	body := releaseArchive(t)
	hits := 0
	srv := releaseServer(t, body, &hits)

	dir := t.TempDir()
	wantFile := filepath.Join(dir, "want")
	require.NoError(t, os.WriteFile(wantFile, body, 0o644))
	digest, err := hashutil.Sha256sum(wantFile)
	require.NoError(t, err)

	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "syslinux-6.03.tar.xz"), []byte("corrupt"), 0o644))

	ins := NewInstaller(cacheDir, srv.URL+"/syslinux-6.03.tar.xz", digest, testLogger())
	cached, err := ins.Fetch()
	require.NoError(t, err)

	assert.Equal(t, 1, hits)
	refetched, err := os.ReadFile(cached)
	require.NoError(t, err)
	assert.Equal(t, body, refetched)
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	ins := NewInstaller(filepath.Join(t.TempDir(), "cache"), srv.URL+"/syslinux-6.03.tar.xz", "", testLogger())
	_, err := ins.Fetch()
	assert.Error(t, err)
}
