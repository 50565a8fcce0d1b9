package source

import (
	"bytes"
	"crypto/md5"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"testing"
	"testing/iotest"

	testhelpers "github.com/bitrise-io/go-objectupload/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectParts(t *testing.T, p *Partitioner) []*PartReader {
	t.Helper()
	var parts []*PartReader
	for {
		part, err := p.Next()
		require.NoError(t, err)
		if part == nil {
			return parts
		}
		parts = append(parts, part)
	}
}

func TestPartitioner_PartibleSources(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		partSize  int64
		wantSizes []int64
	}{
		{name: "empty", size: 0, partSize: 4, wantSizes: nil},
		{name: "smaller than a part", size: 3, partSize: 4, wantSizes: []int64{3}},
		{name: "exactly one part", size: 4, partSize: 4, wantSizes: []int64{4}},
		{name: "one byte over", size: 5, partSize: 4, wantSizes: []int64{4, 1}},
		{name: "exact multiple", size: 12, partSize: 4, wantSizes: []int64{4, 4, 4}},
		{name: "ragged tail", size: 1000, partSize: 64, wantSizes: append(repeat(64, 15), 40)},
	}
	for _, tt := range tests {
		data := testhelpers.RandomBytes(int64(tt.size), tt.size)
		sources := map[string]*Source{
			"data": NewDataSource(data),
			"file": mustFileSource(t, data),
		}
		for kind, src := range sources {
			t.Run(tt.name+"/"+kind, func(t *testing.T) {
				require.True(t, src.Partible())
				size, ok := src.Size()
				require.True(t, ok)
				require.Equal(t, int64(tt.size), size)

				parts := collectParts(t, src.Partition(tt.partSize))

				require.Len(t, parts, len(tt.wantSizes))
				var rebuilt bytes.Buffer
				var offset int64
				for i, part := range parts {
					assert.Equal(t, i+1, part.Number())
					assert.Equal(t, tt.wantSizes[i], part.Size())
					assert.Equal(t, offset, part.Offset())
					n, err := io.Copy(&rebuilt, part.Reader())
					require.NoError(t, err)
					assert.Equal(t, part.Size(), n)
					offset += part.Size()
				}
				assert.Equal(t, data, rebuilt.Bytes())
			})
		}
	}
}

func TestPartitioner_StreamSources(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		partSize  int64
		wantSizes []int64
	}{
		{name: "empty", size: 0, partSize: 4, wantSizes: nil},
		{name: "short final read", size: 10, partSize: 4, wantSizes: []int64{4, 4, 2}},
		{name: "exact multiple", size: 8, partSize: 4, wantSizes: []int64{4, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testhelpers.RandomBytes(7, tt.size)
			// one byte per Read to make sure parts are filled across short reads
			src := NewStreamSource(iotest.OneByteReader(bytes.NewReader(data)))
			require.False(t, src.Partible())
			_, ok := src.Size()
			require.False(t, ok)

			parts := collectParts(t, src.Partition(tt.partSize))

			require.Len(t, parts, len(tt.wantSizes))
			var rebuilt bytes.Buffer
			for i, part := range parts {
				assert.Equal(t, i+1, part.Number())
				assert.Equal(t, tt.wantSizes[i], part.Size())
				_, err := io.Copy(&rebuilt, part.Reader())
				require.NoError(t, err)
			}
			assert.Equal(t, data, rebuilt.Bytes())
		})
	}
}

func TestPartitioner_StreamReadError(t *testing.T) {
	errBroken := errors.New("broken pipe")
	src := NewStreamSource(io.MultiReader(bytes.NewReader([]byte("abcd")), iotest.ErrReader(errBroken)))
	p := src.Partition(4)

	first, err := p.Next()
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = p.Next()
	require.ErrorIs(t, err, errBroken)
}

func TestPartitioner_InvalidPartSize(t *testing.T) {
	_, err := NewDataSource([]byte("abc")).Partition(0).Next()
	require.ErrorIs(t, err, ErrInvalidPartSize)
}

func TestPartReader_IndependentReads(t *testing.T) {
	data := []byte("0123456789")
	parts := collectParts(t, NewDataSource(data).Partition(6))
	require.Len(t, parts, 2)
	part := parts[1]

	first := part.Reader()
	buf := make([]byte, 2)
	_, err := io.ReadFull(first, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("67"), buf)

	sum, err := part.MD5()
	require.NoError(t, err)
	assert.Equal(t, md5.Sum([]byte("6789")), sum)

	rest, err := io.ReadAll(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), rest, "digesting must not move an open reader")

	again, err := io.ReadAll(part.Reader())
	require.NoError(t, err)
	assert.Equal(t, []byte("6789"), again)
}

func TestNewFileSource_PipeIsImpartible(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		_, _ = w.Write([]byte("streamed through a pipe"))
		_ = w.Close()
	}()

	src, err := NewFileSource(r)
	require.NoError(t, err)
	assert.False(t, src.Partible())
	_, err = src.FormSource()
	assert.ErrorIs(t, err, ErrNotPartible)

	parts := collectParts(t, src.Partition(8))
	require.Len(t, parts, 3)
	assert.Equal(t, int64(7), parts[2].Size())
}

func TestFormSource_Checksum(t *testing.T) {
	for _, size := range []int{0, 1, 1023, 1024, 1025, 10_000} {
		data := testhelpers.RandomBytes(int64(size), size)
		form, err := mustFileSource(t, data).FormSource()
		require.NoError(t, err)

		n, sum, err := form.Checksum()

		require.NoError(t, err)
		assert.Equal(t, int64(size), n)
		assert.Equal(t, crc32.ChecksumIEEE(data), sum)
		body, err := io.ReadAll(form.Reader())
		require.NoError(t, err)
		assert.Equal(t, data, body)
	}
}

func TestNewFormSource(t *testing.T) {
	form := NewFormSource([]byte("peeked"))

	n, sum, err := form.Checksum()

	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, int64(6), form.Size())
	assert.Equal(t, crc32.ChecksumIEEE([]byte("peeked")), sum)
}

func mustFileSource(t *testing.T, data []byte) *Source {
	src, err := NewFileSource(testhelpers.WriteTempFile(t, "source.bin", data))
	require.NoError(t, err)
	return src
}

func repeat(v int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
