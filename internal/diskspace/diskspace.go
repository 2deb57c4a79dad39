// Package diskspace reports how many bytes can still be written under a
// directory.
package diskspace

import "ldtcast/internal/faults"

// Free returns the bytes available to an unprivileged writer in dir.
func Free(dir string) (uint64, error) {
	n, err := free(dir)
	if err != nil {
		return 0, faults.Wrapf(faults.Resource, "free space", err, "%s", dir)
	}
	return n, nil
}
