package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ldtcast/internal/checksum"
	"ldtcast/internal/faults"
	"ldtcast/internal/manifest"
	"ldtcast/internal/protocol"
	"ldtcast/internal/transport"
)

func TestTransferEndToEnd(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	spool := t.TempDir()

	var sent atomic.Int32
	var srcSize, dstSize atomic.Int64
	src := newNode(t, b, "src", newSpool(t, spool), func(c *Config) {
		c.OnPart = func(int, int64) { sent.Add(1) }
		c.OnStart = func(name string, size int64) {
			assert.Equal(t, "image.iso", name)
			srcSize.Store(size)
		}
	})
	dst := newNode(t, b, "dst", newSpool(t, spool), func(c *Config) {
		c.OnStart = func(_ string, size int64) { dstSize.Store(size) }
	})
	require.NoError(t, src.Start(ctx))
	require.NoError(t, dst.Start(ctx))

	origin := randomFile(t, 10<<20)
	recv := receiveAsync(ctx, dst.Session)
	res, err := src.Send(ctx, origin)
	require.NoError(t, err)
	got := <-recv
	require.NoError(t, got.err)

	assert.Equal(t, Done, res.State)
	assert.Equal(t, 5, res.Parts)
	assert.Len(t, res.Checksums, 5)
	assert.EqualValues(t, 5, sent.Load())
	assert.EqualValues(t, 10<<20, srcSize.Load())
	assert.EqualValues(t, 10<<20, dstSize.Load())

	assert.Equal(t, Done, got.res.State)
	assert.Equal(t, 5, got.res.Parts)
	assert.Equal(t, res.Checksums, got.res.Checksums)
	assert.Equal(t, filepath.Join(dst.out, "image.iso"), got.res.Path)
	assert.False(t, got.res.AbortObserved)

	want, err := checksum.File(ctx, origin)
	require.NoError(t, err)
	joined, err := checksum.File(ctx, got.res.Path)
	require.NoError(t, err)
	assert.Equal(t, want, joined)

	assert.Empty(t, entries(t, src.work))
	assert.Empty(t, entries(t, dst.work))
	assert.Empty(t, entries(t, spool), "source purges the spool after retention")
	assert.Equal(t, Source, src.Role())
	assert.Equal(t, Receiver, dst.Role())
	assert.Equal(t, src.ID(), dst.ID())
}

func TestSourceFailureAbortsReceiver(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	spool := t.TempDir()

	// call 0 is the start manifest, so call 3 carries part index 2
	src := newNode(t, b, "src", &flaky{Spool: newSpool(t, spool), failAt: 3}, nil)
	dst := newNode(t, b, "dst", newSpool(t, spool), nil)
	require.NoError(t, src.Start(ctx))
	require.NoError(t, dst.Start(ctx))

	recv := receiveAsync(ctx, dst.Session)
	res, err := src.Send(ctx, randomFile(t, 10<<20))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Transport), "got %v", err)
	assert.Equal(t, Failed, res.State)

	got := <-recv
	require.Error(t, got.err)
	assert.True(t, faults.Is(got.err, faults.Aborted), "got %v", got.err)
	assert.Equal(t, Aborted, got.res.State)
	assert.True(t, got.res.AbortObserved)

	assert.Empty(t, entries(t, src.work))
	assert.Empty(t, entries(t, dst.work))
	assert.Empty(t, entries(t, dst.out))
	assert.Empty(t, entries(t, spool), "published parts are purged on failure")
}

// handSource plays the source role by hand over the bus and a spool.
type handSource struct {
	t     *testing.T
	m     *member
	sp    *transport.Spool
	dir   string
	id    string
	count int
}

func newHandSource(t *testing.T, b *bus, spool, id string) *handSource {
	sp := newSpool(t, spool)
	sp.Bind(id)
	return &handSource{t: t, m: b.join("hand"), sp: sp, dir: t.TempDir(), id: id}
}

func (h *handSource) announce() {
	require.NoError(h.t, h.m.Broadcast(protocol.DownloadStart, map[string]string{
		protocol.KeySession: h.id,
		protocol.KeyName:    "data.bin",
	}))
}

func (h *handSource) send(data []byte) {
	p := filepath.Join(h.dir, "f")
	require.NoError(h.t, os.WriteFile(p, data, 0644))
	require.NoError(h.t, h.sp.SendFile(context.Background(), p))
	h.count++
}

func (h *handSource) frame(b []byte, err error) []byte {
	require.NoError(h.t, err)
	return b
}

func (h *handSource) start(totalMB int64) {
	h.send(h.frame(manifest.Start{SourceURL: "/srv/data.bin", FileName: "data.bin", TotalSizeMB: totalMB, PartSizeMB: 1}.Encode()))
}

func sumOf(t *testing.T, data []byte) string {
	p := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(p, data, 0644))
	s, err := checksum.File(context.Background(), p)
	require.NoError(t, err)
	return s
}

func TestShortEndManifestFailsVerification(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	spool := t.TempDir()
	dst := newNode(t, b, "dst", newSpool(t, spool), nil)
	require.NoError(t, dst.Start(ctx))
	recv := receiveAsync(ctx, dst.Session)

	h := newHandSource(t, b, spool, "short-end")
	h.announce()
	h.start(1)
	blocks := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}
	for _, blk := range blocks {
		h.send(blk)
	}
	h.send(h.frame(manifest.End{Checksums: []string{sumOf(t, blocks[0]), sumOf(t, blocks[1])}}.Encode()))

	got := <-recv
	require.Error(t, got.err)
	assert.True(t, faults.Is(got.err, faults.Integrity), "got %v", got.err)
	assert.Equal(t, Failed, got.res.State)
	assert.Empty(t, entries(t, dst.work))
	assert.Empty(t, entries(t, dst.out), "no join on integrity failure")
}

func TestChecksumMismatchFailsVerification(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	spool := t.TempDir()
	dst := newNode(t, b, "dst", newSpool(t, spool), nil)
	require.NoError(t, dst.Start(ctx))
	recv := receiveAsync(ctx, dst.Session)

	h := newHandSource(t, b, spool, "bad-sum")
	h.announce()
	h.start(1)
	h.send([]byte("aaaa"))
	h.send([]byte("bbbb"))
	h.send(h.frame(manifest.End{Checksums: []string{sumOf(t, []byte("aaaa")), sumOf(t, []byte("BBBB"))}}.Encode()))

	got := <-recv
	assert.True(t, faults.Is(got.err, faults.Integrity), "got %v", got.err)
	assert.Contains(t, got.err.Error(), "part 1")
	assert.Empty(t, entries(t, dst.work))
	assert.Empty(t, entries(t, dst.out))
}

func TestReceiverSkipsMalformedStartAndEmptyTransfers(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	spool := t.TempDir()
	var progress []int
	dst := newNode(t, b, "dst", newSpool(t, spool), func(c *Config) {
		c.OnPart = func(i int, _ int64) { progress = append(progress, i) }
	})
	require.NoError(t, dst.Start(ctx))
	recv := receiveAsync(ctx, dst.Session)

	h := newHandSource(t, b, spool, "noisy")
	h.announce()
	h.send([]byte("this is not a manifest"))
	h.send([]byte(manifest.EndDelim + "abc" + manifest.EndDelim))
	h.start(1)
	h.send([]byte("first "))
	h.send(nil)
	h.send([]byte("second"))
	h.send(h.frame(manifest.End{Checksums: []string{sumOf(t, []byte("first ")), sumOf(t, []byte("second"))}}.Encode()))

	got := <-recv
	require.NoError(t, got.err)
	assert.Equal(t, Done, got.res.State)
	assert.Equal(t, 2, got.res.Parts)
	data, err := os.ReadFile(got.res.Path)
	require.NoError(t, err)
	assert.Equal(t, "first second", string(data))
	assert.Equal(t, []int{0, 1}, progress)
	assert.Empty(t, entries(t, dst.work))
}

func TestSuccessPartCountIsCrossChecked(t *testing.T) {
	cases := []struct {
		name      string
		parts     int
		announced int
		ok        bool
	}{
		{"few parts, wrong count", 3, 999, false},
		{"more parts than the event queue", eventQueue + 6, 999, false},
		{"more parts than the event queue, right count", eventQueue + 6, eventQueue + 6, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			b := newBus()
			spool := t.TempDir()
			dst := newNode(t, b, "dst", newSpool(t, spool), nil)
			require.NoError(t, dst.Start(ctx))
			recv := receiveAsync(ctx, dst.Session)

			h := newHandSource(t, b, spool, "counted")
			h.announce()
			h.start(1)
			var sums []string
			for i := 0; i < tc.parts; i++ {
				blk := []byte(fmt.Sprintf("block %03d", i))
				h.send(blk)
				sums = append(sums, sumOf(t, blk))
				require.NoError(t, h.m.Broadcast(protocol.NextFilePart, map[string]string{
					protocol.KeySession: h.id,
					protocol.KeyIndex:   strconv.Itoa(i),
				}))
			}
			require.NoError(t, h.m.Broadcast(protocol.Success, map[string]string{
				protocol.KeySession: h.id,
				protocol.KeyParts:   strconv.Itoa(tc.announced),
			}))
			require.Eventually(t, func() bool {
				dst.mu.Lock()
				defer dst.mu.Unlock()
				return dst.success.Type == protocol.Success
			}, 5*time.Second, 5*time.Millisecond)
			h.send(h.frame(manifest.End{Checksums: sums}.Encode()))

			got := <-recv
			if tc.ok {
				require.NoError(t, got.err)
				assert.Equal(t, tc.parts, got.res.Parts)
				return
			}
			assert.True(t, faults.Is(got.err, faults.Integrity), "got %v", got.err)
			assert.Contains(t, got.err.Error(), "source sent 999 parts")
			assert.Equal(t, Failed, got.res.State)
			assert.Empty(t, entries(t, dst.work))
			assert.Empty(t, entries(t, dst.out))
		})
	}
}

func TestInsufficientSpaceIsFatal(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	spool := t.TempDir()
	dst := newNode(t, b, "dst", newSpool(t, spool), func(c *Config) {
		c.FreeSpace = func(string) (uint64, error) { return 3 << 20, nil }
	})
	require.NoError(t, dst.Start(ctx))
	recv := receiveAsync(ctx, dst.Session)

	h := newHandSource(t, b, spool, "huge")
	h.announce()
	h.start(4096)

	got := <-recv
	assert.True(t, faults.Is(got.err, faults.Resource), "got %v", got.err)
	assert.Equal(t, Failed, got.res.State)
	assert.Empty(t, entries(t, dst.work))
}

func TestUnsafeFileNameRejected(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	spool := t.TempDir()
	dst := newNode(t, b, "dst", newSpool(t, spool), nil)
	require.NoError(t, dst.Start(ctx))
	recv := receiveAsync(ctx, dst.Session)

	h := newHandSource(t, b, spool, "escape")
	h.announce()
	h.send(h.frame(manifest.Start{SourceURL: "x", FileName: "../../etc/passwd", TotalSizeMB: 1, PartSizeMB: 1}.Encode()))

	got := <-recv
	assert.True(t, faults.Is(got.err, faults.Protocol), "got %v", got.err)
	assert.Empty(t, entries(t, dst.work))
}

func TestDiscoveryRaceElectsOneSource(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	nodes := make([]node, 3)
	for i, id := range []string{"n1", "n2", "n3"} {
		nodes[i] = newNode(t, b, id, nil, func(c *Config) { c.ClaimWindow = 200 * time.Millisecond })
	}
	for _, n := range nodes {
		require.NoError(t, n.Start(ctx))
	}

	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i := range nodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = nodes[i].Claim(ctx)
		}(i)
	}
	wg.Wait()

	sources := 0
	for i, n := range nodes {
		if errs[i] == nil {
			sources++
			assert.Equal(t, Source, n.Role())
			assert.NotEmpty(t, n.ID())
		} else {
			assert.ErrorIs(t, errs[i], ErrSourceTaken)
			assert.Equal(t, Receiver, n.Role())
		}
		assert.Equal(t, RoleDecided, n.State())
	}
	assert.Equal(t, 1, sources)

	// a late joiner learns about the source from its reply to FindOthers
	late := newNode(t, b, "n4", nil, nil)
	require.NoError(t, late.Start(ctx))
	assert.Eventually(t, func() bool { return late.Role() == Receiver }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, late.Claim(ctx), ErrSourceTaken)
}

func TestClaimIsExclusiveWithinProcess(t *testing.T) {
	ctx := testContext(t)
	n := newNode(t, newBus(), "solo", nil, nil)
	assert.ErrorIs(t, n.Claim(ctx), ErrNotStarted)
	require.NoError(t, n.Start(ctx))

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- n.Claim(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	won := 0
	for err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyClaimed)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, Source, n.Role())
	assert.ErrorIs(t, n.Claim(ctx), ErrAlreadyClaimed)
}

func TestReceiveAfterLostClaim(t *testing.T) {
	ctx := testContext(t)
	b := newBus()
	spool := t.TempDir()
	src := newNode(t, b, "src", newSpool(t, spool), nil)
	dst := newNode(t, b, "dst", newSpool(t, spool), func(c *Config) { c.ClaimWindow = time.Second })
	require.NoError(t, src.Start(ctx))
	require.NoError(t, dst.Start(ctx))

	require.NoError(t, src.Claim(ctx))
	assert.ErrorIs(t, dst.Claim(ctx), ErrSourceTaken)

	recv := receiveAsync(ctx, dst.Session)
	res, err := src.Send(ctx, randomFile(t, 3<<20))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Parts)
	got := <-recv
	require.NoError(t, got.err)
	assert.Equal(t, 2, got.res.Parts)
}
