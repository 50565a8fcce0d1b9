package source

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
)

// Partitioner yields the parts of a source in order. It is not safe for
// concurrent use.
type Partitioner struct {
	source   *Source
	partSize int64
	stream   io.Reader

	offset int64
	number int
	done   bool
}

// Next returns the next part, or nil once the source is exhausted.
//
// Parts of a partible source are lazy ranges over it; nothing is read until
// the part is uploaded. Parts of a stream are read into an owned buffer of
// up to partSize bytes.
func (p *Partitioner) Next() (*PartReader, error) {
	if p.partSize <= 0 {
		return nil, ErrInvalidPartSize
	}
	if p.done {
		return nil, nil
	}
	if p.source.Partible() {
		return p.nextRange(), nil
	}
	return p.nextBuffered()
}

func (p *Partitioner) nextRange() *PartReader {
	if p.offset >= p.source.size {
		p.done = true
		return nil
	}
	size := p.partSize
	if remaining := p.source.size - p.offset; remaining < size {
		size = remaining
	}
	p.number++
	part := &PartReader{
		number:   p.number,
		size:     size,
		readerAt: p.source.readerAt,
		offset:   p.offset,
	}
	p.offset += size
	return part
}

func (p *Partitioner) nextBuffered() (*PartReader, error) {
	buf := make([]byte, p.partSize)
	n, err := io.ReadFull(p.stream, buf)
	switch {
	case errors.Is(err, io.EOF):
		p.done = true
		return nil, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		p.done = true
	case err != nil:
		return nil, fmt.Errorf("read part %d: %w", p.number+1, err)
	}
	if n == 0 {
		p.done = true
		return nil, nil
	}

	p.number++
	part := &PartReader{
		number: p.number,
		size:   int64(n),
		offset: p.offset,
		buf:    buf[:n],
	}
	p.offset += int64(n)
	return part, nil
}

// PartReader is one part of a source.
type PartReader struct {
	number int
	size   int64

	readerAt io.ReaderAt
	offset   int64

	buf []byte
}

// Number is the 1-based part number.
func (r *PartReader) Number() int {
	return r.number
}

// Size ...
func (r *PartReader) Size() int64 {
	return r.size
}

// Offset is the position of the first byte of the part within the source.
func (r *PartReader) Offset() int64 {
	return r.offset
}

// Reader returns a new reader positioned at the first byte of the part.
// Readers returned by separate calls are independent.
func (r *PartReader) Reader() io.Reader {
	if r.buf != nil {
		return bytes.NewReader(r.buf)
	}
	return io.NewSectionReader(r.readerAt, r.offset, r.size)
}

// MD5 digests the part in a separate pass.
func (r *PartReader) MD5() ([md5.Size]byte, error) {
	var sum [md5.Size]byte
	hash := md5.New()
	if _, err := io.Copy(hash, r.Reader()); err != nil {
		return sum, fmt.Errorf("digest part %d: %w", r.number, err)
	}
	copy(sum[:], hash.Sum(nil))
	return sum, nil
}
