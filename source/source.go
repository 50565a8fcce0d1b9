// Package source turns files, in-memory buffers and streams into the bodies of
// single-shot uploads and into fixed-size parts of multi-part uploads.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// ErrInvalidPartSize ...
var ErrInvalidPartSize = errors.New("part size must be positive")

// ErrNotPartible is returned when random access is requested from a stream.
var ErrNotPartible = errors.New("source is not partible")

const checksumBufferSize = 1024

type kind int

const (
	kindFile kind = iota
	kindData
	kindStream
)

func (k kind) String() string {
	switch k {
	case kindFile:
		return "file"
	case kindData:
		return "data"
	default:
		return "stream"
	}
}

// Source is a file, a byte slice or a stream. Files that are not regular
// (pipes, devices) and streams are impartible: they can only be read once,
// front to back, and their size is unknown.
type Source struct {
	kind     kind
	readerAt io.ReaderAt
	size     int64
	stream   io.Reader
}

// NewFileSource ...
func NewFileSource(file *os.File) (*Source, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", file.Name(), err)
	}
	if !info.Mode().IsRegular() {
		return &Source{kind: kindFile, stream: file}, nil
	}
	return &Source{kind: kindFile, readerAt: file, size: info.Size()}, nil
}

// NewDataSource ...
func NewDataSource(data []byte) *Source {
	return &Source{kind: kindData, readerAt: bytes.NewReader(data), size: int64(len(data))}
}

// NewStreamSource ...
func NewStreamSource(r io.Reader) *Source {
	return &Source{kind: kindStream, stream: r}
}

// Partible reports whether the source supports random access with a known size.
func (s *Source) Partible() bool {
	return s.readerAt != nil
}

// Size returns the total size when it is known up front.
func (s *Source) Size() (int64, bool) {
	if !s.Partible() {
		return 0, false
	}
	return s.size, true
}

// Reader returns a sequential reader from the first byte. For an impartible
// source this is the underlying stream itself.
func (s *Source) Reader() io.Reader {
	if s.Partible() {
		return io.NewSectionReader(s.readerAt, 0, s.size)
	}
	return s.stream
}

func (s *Source) String() string {
	if size, ok := s.Size(); ok {
		return fmt.Sprintf("%s source (%d bytes)", s.kind, size)
	}
	return fmt.Sprintf("%s source (unknown size)", s.kind)
}

// FormSource exposes a partible source as a single-shot upload body.
func (s *Source) FormSource() (*FormSource, error) {
	if !s.Partible() {
		return nil, ErrNotPartible
	}
	return &FormSource{readerAt: s.readerAt, size: s.size}, nil
}

// Partition splits the source into parts of partSize bytes.
func (s *Source) Partition(partSize int64) *Partitioner {
	p := &Partitioner{source: s, partSize: partSize}
	if !s.Partible() {
		p.stream = s.stream
	}
	return p
}

// FormSource is the body of a single-shot upload.
type FormSource struct {
	readerAt io.ReaderAt
	size     int64
}

// NewFormSource ...
func NewFormSource(data []byte) *FormSource {
	return &FormSource{readerAt: bytes.NewReader(data), size: int64(len(data))}
}

// Size ...
func (f *FormSource) Size() int64 {
	return f.size
}

// Reader returns a fresh reader over the whole body.
func (f *FormSource) Reader() io.Reader {
	return io.NewSectionReader(f.readerAt, 0, f.size)
}

// Checksum reads the body once through a fixed 1 KiB buffer and returns the
// number of bytes read and their CRC32 (IEEE).
func (f *FormSource) Checksum() (int64, uint32, error) {
	hash := crc32.NewIEEE()
	buf := make([]byte, checksumBufferSize)
	r := f.Reader()

	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = hash.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("read form body: %w", err)
		}
	}
	return total, hash.Sum32(), nil
}
