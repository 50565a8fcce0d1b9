package testing

import (
	"math/rand"
	"os"
	"path/filepath"
	stdtesting "testing"

	"github.com/stretchr/testify/require"
)

// RandomBytes returns size pseudo random bytes, the same ones for the same seed.
func RandomBytes(seed int64, size int) []byte {
	data := make([]byte, size)
	_, _ = rand.New(rand.NewSource(seed)).Read(data)
	return data
}

// WriteTempFile writes data to a file in a test scoped temp dir and opens it.
// The file is closed when the test ends.
func WriteTempFile(t stdtesting.TB, name string, data []byte) *os.File {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	file, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })
	return file
}
