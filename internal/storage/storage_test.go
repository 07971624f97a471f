package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nafabric/nafabric/internal/config"
)

func TestLocalArchive(t *testing.T) {
	src := filepath.Join(t.TempDir(), "P1_2026101900.RAW")
	require.NoError(t, os.WriteFile(src, []byte("DIS-CID\nOK\n"), 0o644))

	base := t.TempDir()
	a := New(config.StorageConfig{Backend: "local", Local: config.LocalStorageConfig{BaseDir: base, MkdirIfMissing: true}})
	obj, err := a.Archive(context.Background(), Meta{Host: "h1", Process: "PARSER_P1", Date: "20261019"}, src)
	require.NoError(t, err)

	want := filepath.Join(base, "h1", "PARSER_P1", "20261019", "P1_2026101900.RAW")
	assert.Equal(t, "file://"+want, obj.URI)
	assert.Equal(t, int64(11), obj.Size)
	assert.True(t, strings.HasPrefix(obj.Checksum, "sha256:"))

	b, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "DIS-CID\nOK\n", string(b))
}

func TestMinioWithoutClientFallsBackToLocal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "x.RAW")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	base := t.TempDir()
	a := New(config.StorageConfig{Backend: "minio", Local: config.LocalStorageConfig{BaseDir: base, MkdirIfMissing: true}})
	obj, err := a.Archive(context.Background(), Meta{Process: "p", Date: "20260101"}, src)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(base, "p", "20260101", "x.RAW"), obj.URI)
}

func TestMinioObjectName(t *testing.T) {
	a := &MinioArchiver{cfg: config.MinioConfig{Prefix: "/raw/"}}
	assert.Equal(t, "raw/h/P/20261019/P_2026101903.RAW",
		a.ObjectName(Meta{Host: "h", Process: "P", Date: "20261019"}, "/tmp/P_2026101903.RAW"))
}
