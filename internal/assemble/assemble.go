// Package assemble folds verified parts into the destination file and
// removes transfer debris.
package assemble

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	"ldtcast/internal/chunk"
	"ldtcast/internal/faults"
)

const joiningSuffix = ".joining"

type options struct {
	keepParts bool
}

type Option func(*options)

// KeepParts leaves the part files in place after a successful join.
func KeepParts() Option {
	return func(o *options) { o.keepParts = true }
}

// Join appends parts to dest in index order. Parts must be indexed 0..n-1
// without gaps. The bytes go to dest+".joining" first, which is renamed over
// dest once every part is in, so dest is either absent or complete. On
// failure the temporary file and every part not yet folded in are removed,
// unless KeepParts is given.
func Join(ctx context.Context, dest string, parts []chunk.Part, opts ...Option) (err error) {
	const op = "join"
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	discard := func(rest []chunk.Part) {
		if !o.keepParts {
			Remove(paths(rest)...)
		}
	}
	for i, p := range parts {
		if p.Index != i {
			discard(parts)
			return faults.Errorf(faults.Integrity, op, "part %d found at position %d", p.Index, i)
		}
	}

	tmp := dest + joiningSuffix
	out, err := os.Create(tmp)
	if err != nil {
		discard(parts)
		return faults.Wrap(faults.Resource, op, err)
	}
	next := 0
	defer func() {
		if err != nil {
			out.Close()
			Remove(tmp)
			discard(parts[next:])
		}
	}()

	for next < len(parts) {
		if cerr := ctx.Err(); cerr != nil {
			return faults.Wrap(faults.Aborted, op, cerr)
		}
		p := parts[next]
		if err := appendFile(out, p.Path); err != nil {
			return faults.Wrapf(faults.Resource, op, err, "part %d", p.Index)
		}
		if !o.keepParts {
			Remove(p.Path)
		}
		next++
	}
	if err := out.Sync(); err != nil {
		return faults.Wrap(faults.Resource, op, err)
	}
	if err := out.Close(); err != nil {
		return faults.Wrap(faults.Resource, op, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return faults.Wrap(faults.Resource, op, err)
	}
	return nil
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return errors.Wrap(err, path)
}

// Remove deletes paths, ignoring ones that are already gone. It returns the
// first other failure after trying all of them.
func Remove(paths ...string) error {
	var first error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	return first
}

func paths(parts []chunk.Part) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.Path
	}
	return out
}
