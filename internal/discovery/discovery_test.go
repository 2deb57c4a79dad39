package discovery

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ldtcast/internal/faults"
	"ldtcast/internal/protocol"
)

func loopback(port int) string { return fmt.Sprintf("127.0.0.1:%d", port) }

func newPair(t *testing.T) (*Discovery, *Discovery) {
	ports, err := freeport.GetFreePorts(2)
	require.NoError(t, err)

	a, err := New(Config{Listen: loopback(ports[0]), Peers: []string{loopback(ports[1])}, Announce: time.Hour}, "alpha", zap.NewNop())
	require.NoError(t, err)
	b, err := New(Config{Listen: loopback(ports[1]), Peers: []string{loopback(ports[0])}, Announce: time.Hour}, "beta", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b
}

func recv(t *testing.T, ch <-chan protocol.Command) protocol.Command {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(3 * time.Second):
		t.Fatal("no command received")
		return protocol.Command{}
	}
}

func TestQueryAndReply(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.Query())
	cmd := recv(t, b.Commands())
	assert.Equal(t, protocol.FindOthers, cmd.Type)
	assert.Equal(t, a.ID(), cmd.Get(protocol.KeyID))
	assert.Equal(t, "alpha", cmd.Get(protocol.KeyPeer))

	require.NoError(t, b.SendTo(cmd.From, protocol.ResponseToFindOthers, map[string]string{protocol.KeySession: "s1"}))
	reply := recv(t, a.Commands())
	assert.Equal(t, protocol.ResponseToFindOthers, reply.Type)
	assert.Equal(t, "s1", reply.Get(protocol.KeySession))

	peers := a.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, b.ID(), peers[0].ID)
	assert.Equal(t, "beta", peers[0].Name)
	require.Len(t, b.Peers(), 1)
}

func TestOwnCommandsAreDropped(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	d, err := New(Config{Listen: loopback(port), Peers: []string{loopback(port)}, Announce: time.Hour}, "", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	require.NoError(t, d.Broadcast(protocol.BecameServer, nil))
	select {
	case cmd := <-d.Commands():
		t.Fatalf("own command delivered: %v", cmd.Type)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, d.Peers())
}

func TestForeignDatagrams(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	d, err := New(Config{Listen: loopback(port), Peers: []string{loopback(port)}, Announce: time.Hour}, "", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	conn, err := net.Dial("udp4", loopback(port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(protocol.Delim + "Teleport" + protocol.Delim))
	require.NoError(t, err)

	select {
	case err := <-d.Errors():
		assert.True(t, faults.Is(err, faults.Protocol), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("unknown command type not reported")
	}
	assert.Empty(t, d.Commands())

	data, err := protocol.Encode(protocol.DownloadAbort, map[string]string{protocol.KeyReason: "operator"})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
	cmd := recv(t, d.Commands())
	assert.Equal(t, protocol.DownloadAbort, cmd.Type)
	assert.Equal(t, "operator", cmd.Get(protocol.KeyReason))
	assert.Empty(t, d.Peers(), "commands without an id are not tracked")
}

func TestPeerTTL(t *testing.T) {
	a, b := newPair(t)
	b.cfg.PeerTTL = 50 * time.Millisecond

	require.NoError(t, a.Query())
	recv(t, b.Commands())
	require.Len(t, b.Peers(), 1)
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, b.Peers())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := map[string]Config{
		"no targets":    {},
		"not multicast": {Group: "10.0.0.1:9900"},
		"bad group":     {Group: "nonsense"},
		"bad peer":      {Peers: []string{"host:port:extra"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg, "", zap.NewNop())
			assert.True(t, faults.Is(err, faults.Configuration), "got %v", err)
		})
	}

	d, err := New(Config{Group: fmt.Sprintf("%s:%d", DefaultGroup, DefaultPort)}, "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf(":%d", DefaultPort), d.cfg.Listen)
	assert.Equal(t, DefaultAnnounce, d.cfg.Announce)
	assert.NotEmpty(t, d.ID())
}
