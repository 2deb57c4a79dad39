package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ldtcast/internal/faults"
)

type SpoolConfig struct {
	// Target is a directory (shared mount) or s3://bucket/prefix.
	Target      string        `yaml:"target"`
	Compression string        `yaml:"compression"`
	Poll        time.Duration `yaml:"poll"`
	Timeout     time.Duration `yaml:"timeout"`
	// Retain is how long a source keeps a finished session's objects for
	// slow receivers before purging them.
	Retain time.Duration `yaml:"retain"`
}

func (c SpoolConfig) validate() error {
	if c.Target == "" {
		return faults.New(faults.Configuration, "spool transport", "target is required")
	}
	return c.check()
}

func (c SpoolConfig) check() error {
	if _, _, err := parseCompression(c.Compression); err != nil {
		return err
	}
	if c.Poll <= 0 || c.Timeout <= 0 {
		return faults.New(faults.Configuration, "spool transport", "poll and timeout must be positive")
	}
	if c.Retain < 0 {
		return faults.New(faults.Configuration, "spool transport", "retain must not be negative")
	}
	return nil
}

// Spool publishes files as sequence-numbered objects in a shared store.
// The source writes object n for the n-th file it sends; every receiver
// reads object n for the n-th file it receives, so all receivers see the
// same ordered stream regardless of when they poll.
type Spool struct {
	store  Store
	codec  codec
	level  int
	poll   time.Duration
	wait   time.Duration
	retain time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	session string
	sent    int
	recv    int
}

func NewSpool(store Store, cfg SpoolConfig, log *zap.Logger) (*Spool, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	c, level, _ := parseCompression(cfg.Compression)
	return &Spool{
		store:   store,
		codec:   c,
		level:   level,
		poll:    cfg.Poll,
		wait:    cfg.Timeout,
		retain:  cfg.Retain,
		log:     log.Named("spool"),
		session: "default",
	}, nil
}

// Bind scopes the object stream to a session and restarts both counters.
func (s *Spool) Bind(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.sent = 0
	s.recv = 0
}

// Retention implements Purger.
func (s *Spool) Retention() time.Duration { return s.retain }

// Purge deletes every object of the bound session.
func (s *Spool) Purge(ctx context.Context) error {
	s.mu.Lock()
	prefix := s.session + "/"
	s.mu.Unlock()
	if err := s.store.Delete(ctx, prefix); err != nil {
		return faults.Wrapf(faults.Transport, "purge", err, "prefix %s", prefix)
	}
	s.log.Debug("session purged", zap.String("prefix", prefix))
	return nil
}

func (s *Spool) next(counter *int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%012x", s.session, *counter)
	*counter++
	return key
}

func (s *Spool) SendFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return faults.Wrap(faults.Resource, "send file", err)
	}
	obj, err := encodeObject(s.codec, s.level, raw)
	if err != nil {
		return faults.Wrap(faults.Transport, "send file", err)
	}
	key := s.next(&s.sent)
	if err := s.store.Put(ctx, key, bytes.NewReader(obj)); err != nil {
		if ctx.Err() != nil {
			return faults.Wrap(faults.Aborted, "send file", ctx.Err())
		}
		return faults.Wrapf(faults.Transport, "send file", err, "object %s", key)
	}
	s.log.Debug("object published",
		zap.String("key", key),
		zap.Int("raw", len(raw)),
		zap.Int("stored", len(obj)))
	return nil
}

func (s *Spool) ReceiveFile(ctx context.Context, path string) error {
	key := s.next(&s.recv)
	deadline := time.NewTimer(s.wait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		body, err := s.store.Get(ctx, key)
		switch {
		case err == nil:
			defer body.Close()
			return s.materialize(body, path)
		case errors.Is(err, ErrNotFound):
		case ctx.Err() != nil:
		default:
			return faults.Wrapf(faults.Transport, "receive file", err, "object %s", key)
		}

		select {
		case <-ctx.Done():
			return faults.Wrap(faults.Aborted, "receive file", ctx.Err())
		case <-deadline.C:
			return faults.Errorf(faults.Transport, "receive file", "object %s did not arrive within %s", key, s.wait)
		case <-ticker.C:
		}
	}
}

func (s *Spool) materialize(body io.Reader, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return faults.Wrap(faults.Resource, "receive file", err)
	}
	if _, err := decodeObject(body, f); err != nil {
		f.Close()
		os.Remove(path)
		if faults.KindOf(err) != faults.Unknown {
			return err
		}
		return faults.Wrap(faults.Transport, "receive file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return faults.Wrap(faults.Resource, "receive file", err)
	}
	return nil
}
