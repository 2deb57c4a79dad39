package main

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"ldtcast/internal/faults"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{faults.New(faults.Configuration, "discovery", "neither a multicast group nor static peers configured"), 2},
		{errors.Wrap(faults.New(faults.Configuration, "transport", "unknown kind"), "startup"), 2},
		{faults.New(faults.Transport, "send file", "udp-sender exited 1"), 1},
		{faults.New(faults.Aborted, "session", "source aborted"), 1},
		{errors.New("plain"), 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitCode(tc.err), "%v", tc.err)
	}
}
