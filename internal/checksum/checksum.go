// Package checksum hashes completed parts off the transfer loop.
//
// Parts are queued by Submit and hashed by a small worker pool (one worker by
// default, so hashing never competes with the sequential bulk transport for
// the disk). Collect returns the checksums in submission order no matter in
// which order workers finish.
package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ldtcast/internal/chunk"
	"ldtcast/internal/faults"
)

const (
	DefaultTimeout = 2 * time.Hour
	DefaultWorkers = 1

	copyBuf = 1 << 20
)

var (
	ErrShutdown = errors.New("checksum pipeline shut down")
	ErrEmpty    = errors.New("nothing to checksum")
)

type Option func(*Pipeline)

func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

type job struct {
	seq  int
	part chunk.Part
}

// Pipeline is a submit/collect checksum queue.
type Pipeline struct {
	log     *zap.Logger
	workers int
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queue     []job
	wake      chan struct{}
	changed   chan struct{}
	submitted int
	results   *treemap.Map // seq -> checksum
	err       error
}

// New starts a pipeline.
func New(log *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:     log.Named("checksum"),
		workers: DefaultWorkers,
		timeout: DefaultTimeout,
		wake:    make(chan struct{}, 1),
		changed: make(chan struct{}),
		results: treemap.NewWithIntComparator(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work()
		}()
	}
	return p
}

// Submit queues a part. It never waits for hashing.
func (p *Pipeline) Submit(part chunk.Part) error {
	if p.ctx.Err() != nil {
		return faults.Wrap(faults.Aborted, "submit checksum", ErrShutdown)
	}
	p.mu.Lock()
	p.queue = append(p.queue, job{seq: p.submitted, part: part})
	p.submitted++
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending is the number of submitted parts without a result yet.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted - p.results.Size()
}

// Collect waits until every submitted part is hashed and returns the
// checksums in submission order. It fails on the first hashing error, on
// timeout, on ctx cancellation and after Shutdown.
func (p *Pipeline) Collect(ctx context.Context) ([]string, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		p.mu.Lock()
		err, done, changed := p.err, p.results.Size() == p.submitted, p.changed
		p.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if done {
			return p.ordered(), nil
		}

		select {
		case <-changed:
		case <-p.ctx.Done():
			return nil, faults.Wrap(faults.Aborted, "collect checksums", ErrShutdown)
		case <-ctx.Done():
			return nil, faults.Wrap(faults.Aborted, "collect checksums", ctx.Err())
		case <-timer.C:
			return nil, faults.Errorf(faults.Timeout, "collect checksums", "%d parts still pending after %s", p.Pending(), p.timeout)
		}
	}
}

// Shutdown cancels outstanding work. It does not wait and may be called any
// number of times.
func (p *Pipeline) Shutdown() {
	p.cancel()
}

// Wait blocks until all workers have exited; only meaningful after Shutdown.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) ordered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, p.results.Size())
	for _, v := range p.results.Values() {
		out = append(out, v.(string))
	}
	return out
}

func (p *Pipeline) work() {
	for {
		j, ok := p.pop()
		if !ok {
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		sum, err := File(p.ctx, j.part.Path)
		if p.ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		if err != nil {
			if p.err == nil {
				p.err = errors.Wrapf(err, "checksum part %d", j.part.Index)
			}
		} else {
			p.results.Put(j.seq, sum)
		}
		close(p.changed)
		p.changed = make(chan struct{})
		p.mu.Unlock()

		if err == nil {
			p.log.Debug("part hashed", zap.Int("index", j.part.Index), zap.String("sum", sum))
		}
	}
}

func (p *Pipeline) pop() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return job{}, false
	}
	j := p.queue[0]
	p.queue = p.queue[1:]
	if len(p.queue) > 0 {
		// let a sibling worker pick up the rest
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return j, true
}

// File returns the hex sha256 of the file at path. Missing and empty files
// are errors.
func File(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", faults.Wrap(faults.Resource, "checksum", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, copyBuf)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", faults.Wrap(faults.Aborted, "checksum", err)
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", faults.Wrap(faults.Resource, "checksum", err)
		}
	}
	if total == 0 {
		return "", faults.Wrapf(faults.Resource, "checksum", ErrEmpty, "%s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
