// Package manifest encodes the Start and End records that open and close a
// transfer. Both travel through the bulk transport like any other part, so
// they are materialized as small single-line files.
package manifest

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"ldtcast/internal/faults"
)

const (
	// StartDelim brackets and separates Start fields.
	StartDelim = "<~ldt-s~>"
	// EndDelim brackets and separates End checksums.
	EndDelim = "<~ldt-e~>"

	// MaxFrameSize bounds any manifest frame.
	MaxFrameSize = 1 << 20

	startArity = 4
)

// Start describes a transfer before the first part moves.
type Start struct {
	SourceURL   string
	FileName    string
	TotalSizeMB int64
	PartSizeMB  int64
}

// End carries one checksum per part, in part index order.
type End struct {
	Checksums []string
}

func (s Start) Encode() ([]byte, error) {
	if s.TotalSizeMB < 0 || s.PartSizeMB < 0 {
		return nil, faults.New(faults.Format, "encode start", "negative size")
	}
	fields := []string{
		s.SourceURL,
		s.FileName,
		strconv.FormatInt(s.TotalSizeMB, 10),
		strconv.FormatInt(s.PartSizeMB, 10),
	}
	return join("encode start", StartDelim, fields)
}

func DecodeStart(frame []byte) (Start, error) {
	const op = "decode start"
	fields, err := split(op, StartDelim, frame)
	if err != nil {
		return Start{}, err
	}
	if len(fields) != startArity {
		return Start{}, faults.Errorf(faults.Format, op, "expected %d fields, got %d", startArity, len(fields))
	}
	total, err := parseSize(op, "total size", fields[2])
	if err != nil {
		return Start{}, err
	}
	part, err := parseSize(op, "part size", fields[3])
	if err != nil {
		return Start{}, err
	}
	return Start{
		SourceURL:   fields[0],
		FileName:    fields[1],
		TotalSizeMB: total,
		PartSizeMB:  part,
	}, nil
}

func (e End) Encode() ([]byte, error) {
	if len(e.Checksums) == 0 {
		return nil, faults.New(faults.Format, "encode end", "no checksums")
	}
	return join("encode end", EndDelim, e.Checksums)
}

func DecodeEnd(frame []byte) (End, error) {
	fields, err := split("decode end", EndDelim, frame)
	if err != nil {
		return End{}, err
	}
	if len(fields) == 0 {
		return End{}, faults.New(faults.Format, "decode end", "no checksums")
	}
	return End{Checksums: fields}, nil
}

// WriteStart materializes s at path.
func WriteStart(path string, s Start) error {
	frame, err := s.Encode()
	if err != nil {
		return err
	}
	return writeFrame(path, frame)
}

// WriteEnd materializes e at path.
func WriteEnd(path string, e End) error {
	frame, err := e.Encode()
	if err != nil {
		return err
	}
	return writeFrame(path, frame)
}

// ReadStart loads and decodes a Start frame. I/O failures are returned
// unclassified so callers can tell them apart from format errors.
func ReadStart(path string) (Start, error) {
	frame, err := readFrame(path)
	if err != nil {
		return Start{}, err
	}
	return DecodeStart(frame)
}

// ReadEnd loads and decodes an End frame.
func ReadEnd(path string) (End, error) {
	frame, err := readFrame(path)
	if err != nil {
		return End{}, err
	}
	return DecodeEnd(frame)
}

func join(op, delim string, fields []string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(delim)
	for i, f := range fields {
		if f == "" {
			return nil, faults.Errorf(faults.Format, op, "field %d is empty", i)
		}
		if strings.Contains(f, delim) || strings.ContainsAny(f, "\r\n") {
			return nil, faults.Errorf(faults.Format, op, "field %d contains a delimiter", i)
		}
		b.WriteString(f)
		b.WriteString(delim)
	}
	return []byte(b.String()), nil
}

func split(op, delim string, frame []byte) ([]string, error) {
	if len(frame) > MaxFrameSize {
		return nil, faults.Errorf(faults.Format, op, "frame is %d bytes, limit %d", len(frame), MaxFrameSize)
	}
	line := strings.TrimSuffix(string(frame), "\n")
	if line == "" {
		return nil, faults.New(faults.Format, op, "empty frame")
	}
	if strings.ContainsAny(line, "\r\n") {
		return nil, faults.New(faults.Format, op, "frame spans more than one line")
	}
	if len(line) < 2*len(delim) || !strings.HasPrefix(line, delim) || !strings.HasSuffix(line, delim) {
		return nil, faults.New(faults.Format, op, "frame is not enclosed in delimiters")
	}
	var fields []string
	for _, f := range strings.Split(line, delim) {
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields, nil
}

func parseSize(op, what, s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, faults.Errorf(faults.Format, op, "bad %s %q", what, s)
	}
	return n, nil
}

func writeFrame(path string, frame []byte) error {
	if err := os.WriteFile(path, frame, 0644); err != nil {
		return faults.Wrap(faults.Resource, "write manifest", err)
	}
	return nil
}

func readFrame(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat manifest")
	}
	if fi.Size() > MaxFrameSize {
		return nil, faults.Errorf(faults.Format, "read manifest", "%s is %d bytes, limit %d", path, fi.Size(), MaxFrameSize)
	}
	frame, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	return frame, nil
}
