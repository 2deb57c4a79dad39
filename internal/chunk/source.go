// Package chunk turns a byte origin into an ordered sequence of fixed-size
// blocks, and blocks into Part files on disk.
package chunk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"ldtcast/internal/faults"
)

// Block is one part's worth of bytes, straight from the origin.
type Block struct {
	Index int
	Data  []byte
}

// Part is a block persisted on disk. Checksum is filled in once computed.
type Part struct {
	Index    int
	Path     string
	Size     int64
	Checksum string
}

// PartPath names the file holding part index of name.
func PartPath(dir, name string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.part%d", name, index))
}

// Store writes the block as part file of name under dir.
func (b Block) Store(dir, name string) (Part, error) {
	p := PartPath(dir, name, b.Index)
	if err := os.WriteFile(p, b.Data, 0644); err != nil {
		os.Remove(p)
		return Part{}, faults.Wrapf(faults.Resource, "store part", err, "part %d", b.Index)
	}
	return Part{Index: b.Index, Path: p, Size: int64(len(b.Data))}, nil
}

// Source yields blocks of partSize bytes; only the last one may be shorter.
// Once it returns an error, including io.EOF, it keeps returning it.
type Source struct {
	origin   Origin
	partSize int
	next     int
	err      error
}

func NewSource(origin Origin, partSize int) *Source {
	return &Source{origin: origin, partSize: partSize}
}

// Next returns the next block or io.EOF. A zero-byte read ends the stream
// without producing a block.
func (s *Source) Next(ctx context.Context) (Block, error) {
	if s.err != nil {
		return Block{}, s.err
	}
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	data, end, err := s.origin.Read(s.partSize)
	if err != nil {
		s.err = errors.Wrapf(err, "read part %d", s.next)
		return Block{}, s.err
	}
	if len(data) == 0 {
		s.err = io.EOF
		return Block{}, s.err
	}
	b := Block{Index: s.next, Data: data}
	s.next++
	if end {
		s.err = io.EOF
	}
	return b, nil
}

// Produced is the number of blocks handed out so far.
func (s *Source) Produced() int { return s.next }
