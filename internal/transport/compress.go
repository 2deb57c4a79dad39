package transport

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"ldtcast/internal/faults"
)

// codec is the first byte of every spooled object.
type codec byte

const (
	codecRaw codec = iota
	codecZstd
	codecZlib
	codecS2
	codecSnappy
)

type encoder interface {
	io.WriteCloser
}

// parseCompression reads an "alg[:level]" signature. Only zstd (1-22) and
// zlib (-2 to 9) take a level.
func parseCompression(sig string) (codec, int, error) {
	name, lvl, hasLevel := strings.Cut(sig, ":")
	level := 0
	if hasLevel {
		var err error
		if level, err = strconv.Atoi(lvl); err != nil {
			return 0, 0, faults.Errorf(faults.Configuration, "compression", "bad level in %q", sig)
		}
	}
	var (
		c      codec
		lo, hi int
	)
	switch name {
	case "", "none", "raw":
		c = codecRaw
	case "zstd":
		c, lo, hi = codecZstd, 1, 22
		if !hasLevel {
			level = 3
		}
	case "zlib":
		c, lo, hi = codecZlib, zlib.HuffmanOnly, zlib.BestCompression
		if !hasLevel {
			level = zlib.BestSpeed
		}
	case "s2":
		c = codecS2
	case "snappy":
		c = codecSnappy
	default:
		return 0, 0, faults.Errorf(faults.Configuration, "compression", "unknown algorithm %q", name)
	}
	if hasLevel && lo == hi {
		return 0, 0, faults.Errorf(faults.Configuration, "compression", "%s takes no level, got %q", name, sig)
	}
	if level < lo || level > hi {
		return 0, 0, faults.Errorf(faults.Configuration, "compression", "%s level %d outside %d..%d", name, level, lo, hi)
	}
	return c, level, nil
}

func newEncoder(c codec, level int, w io.Writer) (encoder, error) {
	switch c {
	case codecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	case codecZlib:
		return zlib.NewWriterLevel(w, level)
	case codecS2:
		return s2.NewWriter(w), nil
	case codecSnappy:
		return snappy.NewBufferedWriter(w), nil
	}
	return nopEncoder{w}, nil
}

type nopEncoder struct{ io.Writer }

func (nopEncoder) Close() error { return nil }

// encodeObject frames raw as a spool object. Data that does not shrink is
// stored raw.
func encodeObject(c codec, level int, raw []byte) ([]byte, error) {
	if c != codecRaw {
		var buf bytes.Buffer
		buf.WriteByte(byte(c))
		enc, err := newEncoder(c, level, &buf)
		if err != nil {
			return nil, err
		}
		if _, err := enc.Write(raw); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		if buf.Len() < len(raw)+1 {
			return buf.Bytes(), nil
		}
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(codecRaw))
	return append(out, raw...), nil
}

// decodeObject streams a spool object's payload into w.
func decodeObject(r io.Reader, w io.Writer) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, faults.New(faults.Transport, "decode object", "empty object")
		}
		return 0, err
	}
	var src io.Reader
	switch codec(hdr[0]) {
	case codecRaw:
		src = r
	case codecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return 0, err
		}
		defer dec.Close()
		src = dec
	case codecZlib:
		dec, err := zlib.NewReader(r)
		if err != nil {
			return 0, err
		}
		defer dec.Close()
		src = dec
	case codecS2:
		src = s2.NewReader(r)
	case codecSnappy:
		src = snappy.NewReader(r)
	default:
		return 0, faults.Errorf(faults.Transport, "decode object", "unknown codec %d", hdr[0])
	}
	return io.Copy(w, src)
}
