// Package transport moves whole files between the source and the receiver
// group. The session only needs "send this file" and "receive the next file
// into this path"; how the bytes travel is up to the adapter.
package transport

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"ldtcast/internal/faults"
)

// Adapter sends and receives files to and from the peer group. Both calls
// block until the file has moved, the adapter's own timeout hits, or ctx is
// done.
type Adapter interface {
	SendFile(ctx context.Context, path string) error
	ReceiveFile(ctx context.Context, path string) error
}

// Binder is implemented by adapters that keep per-session state; the session
// binds them to its id before the first file moves.
type Binder interface {
	Bind(session string)
}

// Purger is implemented by adapters that leave sent files behind in shared
// storage. Only the source purges: right away when it fails, after
// Retention once it succeeded.
type Purger interface {
	Purge(ctx context.Context) error
	Retention() time.Duration
}

const (
	KindExec  = "exec"
	KindSpool = "spool"
)

type Config struct {
	Kind  string      `yaml:"kind"`
	Exec  ExecConfig  `yaml:"exec"`
	Spool SpoolConfig `yaml:"spool"`
}

func DefaultConfig() Config {
	return Config{
		Kind: KindExec,
		Exec: ExecConfig{
			Send:    []string{"udp-sender", "--nokbd", "--file", FilePlaceholder},
			Receive: []string{"udp-receiver", "--nokbd", "--file", FilePlaceholder},
			Timeout: 30 * time.Minute,
		},
		Spool: SpoolConfig{
			Compression: "s2",
			Poll:        200 * time.Millisecond,
			Timeout:     30 * time.Minute,
			Retain:      time.Minute,
		},
	}
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindExec:
		return c.Exec.validate()
	case KindSpool:
		return c.Spool.validate()
	}
	return faults.Errorf(faults.Configuration, "transport", "unknown kind %q", c.Kind)
}

// New builds the configured adapter.
func New(c Config, log *zap.Logger) (Adapter, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Kind == KindExec {
		return NewExec(c.Exec, log)
	}
	var store Store
	if strings.HasPrefix(c.Spool.Target, "s3://") {
		s, err := NewS3Store(c.Spool.Target, nil)
		if err != nil {
			return nil, err
		}
		store = s
	} else {
		store = NewDirStore(c.Spool.Target)
	}
	return NewSpool(store, c.Spool, log)
}
