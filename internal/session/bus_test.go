package session

import (
	"context"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ldtcast/internal/faults"
	"ldtcast/internal/protocol"
	"ldtcast/internal/transport"
)

// bus is an in-process control channel. Every command goes through the real
// codec on the way.
type bus struct {
	mu      sync.Mutex
	members map[string]*member
}

func newBus() *bus { return &bus{members: map[string]*member{}} }

type busAddr string

func (a busAddr) Network() string { return "bus" }
func (a busAddr) String() string  { return string(a) }

type member struct {
	b    *bus
	id   string
	cmds chan protocol.Command
	errs chan error
}

func (b *bus) join(id string) *member {
	m := &member{b: b, id: id, cmds: make(chan protocol.Command, 1024), errs: make(chan error, 16)}
	b.mu.Lock()
	b.members[id] = m
	b.mu.Unlock()
	return m
}

func (m *member) ID() string                        { return m.id }
func (m *member) Commands() <-chan protocol.Command { return m.cmds }
func (m *member) Errors() <-chan error              { return m.errs }

func (m *member) Broadcast(t protocol.Type, fields map[string]string) error {
	m.b.mu.Lock()
	var peers []*member
	for id, p := range m.b.members {
		if id != m.id {
			peers = append(peers, p)
		}
	}
	m.b.mu.Unlock()
	for _, p := range peers {
		if err := m.deliver(p, t, fields); err != nil {
			return err
		}
	}
	return nil
}

func (m *member) SendTo(addr net.Addr, t protocol.Type, fields map[string]string) error {
	m.b.mu.Lock()
	p, ok := m.b.members[addr.String()]
	m.b.mu.Unlock()
	if !ok {
		return faults.Errorf(faults.Transport, "send", "no member %s", addr)
	}
	return m.deliver(p, t, fields)
}

func (m *member) deliver(to *member, t protocol.Type, fields map[string]string) error {
	out := map[string]string{protocol.KeyID: m.id}
	for k, v := range fields {
		out[k] = v
	}
	data, err := protocol.Encode(t, out)
	if err != nil {
		return err
	}
	cmd, err := protocol.Decode(data, busAddr(m.id))
	if err != nil {
		return err
	}
	select {
	case to.cmds <- cmd:
	default:
	}
	return nil
}

// drain returns every command queued for m so far.
func (m *member) drain() []protocol.Command {
	var out []protocol.Command
	for {
		select {
		case cmd := <-m.cmds:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

func types(cmds []protocol.Command) []protocol.Type {
	out := make([]protocol.Type, len(cmds))
	for i, c := range cmds {
		out[i] = c.Type
	}
	return out
}

type node struct {
	*Session
	work string
	out  string
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		WorkDir:     filepath.Join(dir, "work"),
		OutputDir:   filepath.Join(dir, "out"),
		PartSize:    2 << 20,
		ClaimWindow: 100 * time.Millisecond,
		FreeSpace:   func(string) (uint64, error) { return 1 << 40, nil },
	}
}

func newNode(t *testing.T, b *bus, id string, tr transport.Adapter, mutate func(*Config)) node {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, b.join(id), tr, zap.NewNop())
	require.NoError(t, err)
	return node{Session: s, work: cfg.WorkDir, out: cfg.OutputDir}
}

func newSpool(t *testing.T, dir string) *transport.Spool {
	t.Helper()
	sp, err := transport.NewSpool(transport.NewDirStore(dir), transport.SpoolConfig{
		Target:      dir,
		Compression: "none",
		Poll:        5 * time.Millisecond,
		Timeout:     10 * time.Second,
		Retain:      2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return sp
}

func randomFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "image.iso")
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	list, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range list {
		names = append(names, e.Name())
	}
	return names
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type outcome struct {
	res Result
	err error
}

func receiveAsync(ctx context.Context, s *Session) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.Receive(ctx)
		ch <- outcome{res, err}
	}()
	return ch
}

// flaky fails the n-th SendFile call, counting from zero.
type flaky struct {
	*transport.Spool
	failAt int

	mu    sync.Mutex
	calls int
}

func (f *flaky) SendFile(ctx context.Context, path string) error {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()
	if n == f.failAt {
		return faults.New(faults.Transport, "send file", "link down")
	}
	return f.Spool.SendFile(ctx, path)
}
