package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEmptyTree(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(t.TempDir(), "inventory.csv")

	n, err := Generate(root, out, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Header-only file still written.
	_, err = os.Stat(out)
	require.NoError(t, err)
}

func TestGenerateSkipsNonDicom(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	// A .dcm that is not parseable is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad.dcm"), []byte("not dicom"), 0o644))

	n, err := Generate(root, filepath.Join(t.TempDir(), "out.csv"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHashIDStable(t *testing.T) {
	a := hashID("PAT001")
	b := hashID("PAT001")
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, hashID("PAT002"))
	assert.Equal(t, "UNKNOWN", hashID(""))
}
