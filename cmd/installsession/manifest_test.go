package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ggoodman/installsession-go/installer"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZstd(t *testing.T, path string, data []byte) {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	base := bytes.Repeat([]byte("base"), 1024)
	split := bytes.Repeat([]byte("split"), 2048)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.apk"), base, 0o644))
	writeZstd(t, filepath.Join(dir, "split_config.apk.zst"), split)

	manifest := `
mode: full-install
flags: [replace-existing, allow-test]
artifacts:
  - path: base.apk
  - path: split_config.apk.zst
  - name: renamed.apk
    path: base.apk
`
	path := filepath.Join(dir, "install.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	req, err := m.Request()
	require.NoError(t, err)

	assert.Equal(t, installer.ModeFullInstall, req.Mode)
	assert.True(t, req.Flags.Has(installer.FlagReplaceExisting|installer.FlagAllowTest))
	require.Len(t, req.Artifacts, 3)
	assert.Equal(t, "base.apk", req.Artifacts[0].Name)
	assert.Equal(t, int64(len(base)), req.Artifacts[0].Size)
	assert.Equal(t, "split_config.apk", req.Artifacts[1].Name)
	assert.Equal(t, int64(len(split)), req.Artifacts[1].Size)
	assert.Equal(t, "renamed.apk", req.Artifacts[2].Name)

	got, err := io.ReadAll(req.Artifacts[1].Source)
	require.NoError(t, err)
	assert.Equal(t, split, got)

	tmp := req.Artifacts[1].Source.(*tempFile).Name()
	for _, a := range req.Artifacts {
		require.NoError(t, a.Source.Close())
	}
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err), "decompressed temp file is removed on close")
}

func TestManifestRejectsUnknownValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.apk"), []byte("x"), 0o644))

	for name, body := range map[string]string{
		"flag": "flags: [yolo]\nartifacts:\n  - path: a.apk\n",
		"mode": "mode: partial\nartifacts:\n  - path: a.apk\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			m, err := LoadManifest(path)
			require.NoError(t, err)
			_, err = m.Request()
			require.Error(t, err)
		})
	}

	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: full-install\n"), 0o644))
	_, err := LoadManifest(path)
	require.Error(t, err)
}

func TestManifestRejectsNestedNames(t *testing.T) {
	dir := t.TempDir()
	writeZstd(t, filepath.Join(dir, "base.apk.zst"), []byte("base"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "split.apk"), []byte("split"), 0o644))

	manifest := `
artifacts:
  - path: split.apk
  - name: splits/base.apk
    path: base.apk.zst
`
	path := filepath.Join(dir, "install.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	_, err = m.Request()
	require.ErrorContains(t, err, `artifact name "splits/base.apk" contains a path separator`)
}
