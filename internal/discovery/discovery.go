// Package discovery is the control channel between instances: a UDP socket
// that joins an optional multicast group, knows an optional static peer
// list, and exchanges protocol commands. It keeps a TTL'd table of the peers
// it has heard from.
package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"ldtcast/internal/faults"
	"ldtcast/internal/protocol"
)

const (
	DefaultPort     = 9900
	DefaultGroup    = "239.255.42.42"
	DefaultAnnounce = 5 * time.Second
	DefaultPeerTTL  = 30 * time.Second
	DefaultMaxPeers = 1024

	readTick  = 500 * time.Millisecond
	queueSize = 1024
	mcastTTL  = 4
)

type Config struct {
	// Listen is the local UDP address, e.g. ":9900".
	Listen string `yaml:"listen"`
	// Group is a multicast "ip:port"; empty disables multicast.
	Group string `yaml:"group"`
	// Peers are static "host:port" candidates, used in addition to Group.
	Peers []string `yaml:"peers"`
	// Interface pins the multicast interface by name.
	Interface string        `yaml:"interface"`
	Announce  time.Duration `yaml:"announce"`
	PeerTTL   time.Duration `yaml:"peer_ttl"`
	MaxPeers  int           `yaml:"max_peers"`
}

type Peer struct {
	ID   string
	Name string
	Addr *net.UDPAddr
	Seen time.Time
}

type Discovery struct {
	cfg    Config
	myID   string
	myName string
	log    *zap.Logger

	group   *net.UDPAddr
	statics []*net.UDPAddr

	conn  *net.UDPConn
	peers *lru.Cache

	cmds   chan protocol.Command
	errs   chan error
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New resolves the configured addresses. Nothing is bound until Start.
func New(cfg Config, name string, log *zap.Logger) (*Discovery, error) {
	if cfg.Listen == "" {
		cfg.Listen = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.Announce <= 0 {
		cfg.Announce = DefaultAnnounce
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	d := &Discovery{
		cfg:    cfg,
		myID:   uuid.NewString(),
		myName: name,
		cmds:   make(chan protocol.Command, queueSize),
		errs:   make(chan error, 16),
		stopCh: make(chan struct{}),
	}
	d.log = log.Named("discovery").With(zap.String("id", d.myID))

	if cfg.Group != "" {
		g, err := net.ResolveUDPAddr("udp4", cfg.Group)
		if err != nil {
			return nil, faults.Wrapf(faults.Configuration, "discovery", err, "group %q", cfg.Group)
		}
		if !g.IP.IsMulticast() {
			return nil, faults.Errorf(faults.Configuration, "discovery", "%s is not a multicast address", cfg.Group)
		}
		d.group = g
	}
	for _, p := range cfg.Peers {
		a, err := net.ResolveUDPAddr("udp4", p)
		if err != nil {
			return nil, faults.Wrapf(faults.Configuration, "discovery", err, "peer %q", p)
		}
		d.statics = append(d.statics, a)
	}
	if d.group == nil && len(d.statics) == 0 {
		return nil, faults.New(faults.Configuration, "discovery", "neither a multicast group nor static peers configured")
	}
	peers, err := lru.New(cfg.MaxPeers)
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, "discovery", err)
	}
	d.peers = peers
	return d, nil
}

func (d *Discovery) ID() string { return d.myID }

func (d *Discovery) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// Commands delivers every command received from another instance.
func (d *Discovery) Commands() <-chan protocol.Command { return d.cmds }

// Errors delivers protocol violations: well-formed datagrams naming a
// command type this build does not know.
func (d *Discovery) Errors() <-chan error { return d.errs }

func (d *Discovery) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", d.cfg.Listen)
	if err != nil {
		return faults.Wrapf(faults.Configuration, "discovery", err, "listen %q", d.cfg.Listen)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return faults.Wrap(faults.Resource, "discovery", err)
	}
	d.conn = conn

	if d.group != nil {
		d.joinGroup()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	d.log.Info("discovery started",
		zap.String("listen", conn.LocalAddr().String()),
		zap.Stringer("group", d.group),
		zap.Int("static_peers", len(d.statics)))
	return nil
}

func (d *Discovery) joinGroup() {
	pc := ipv4.NewPacketConn(d.conn)
	group := &net.UDPAddr{IP: d.group.IP}
	iface, _ := d.bestInterface()
	if iface != nil {
		if err := pc.JoinGroup(iface, group); err != nil {
			d.log.Warn("join group failed", zap.String("iface", iface.Name), zap.Error(err))
		}
	} else {
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			pc.JoinGroup(&ifaces[i], group)
		}
	}
	pc.SetMulticastTTL(mcastTTL)
	pc.SetMulticastLoopback(true)
}

func (d *Discovery) bestInterface() (*net.Interface, error) {
	if d.cfg.Interface != "" {
		return net.InterfaceByName(d.cfg.Interface)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipn, ok := addr.(*net.IPNet); ok && ipn.IP.To4() != nil {
				return &iface, nil
			}
		}
	}
	return nil, nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (d *Discovery) Stop() {
	d.once.Do(func() {
		close(d.stopCh)
		if d.conn != nil {
			d.conn.Close()
		}
		d.wg.Wait()
	})
}

// Peers lists instances heard from within the peer TTL.
func (d *Discovery) Peers() []Peer {
	var out []Peer
	now := time.Now()
	for _, k := range d.peers.Keys() {
		v, ok := d.peers.Peek(k)
		if !ok {
			continue
		}
		p := v.(Peer)
		if now.Sub(p.Seen) < d.cfg.PeerTTL {
			out = append(out, p)
		}
	}
	return out
}

// Query asks every reachable instance to identify itself.
func (d *Discovery) Query() error {
	return d.Broadcast(protocol.FindOthers, nil)
}

// Broadcast sends a command to the group and to every static peer.
func (d *Discovery) Broadcast(t protocol.Type, fields map[string]string) error {
	data, err := d.encode(t, fields)
	if err != nil {
		return err
	}
	var firstErr error
	targets := d.statics
	if d.group != nil {
		targets = append([]*net.UDPAddr{d.group}, targets...)
	}
	for _, dst := range targets {
		if _, err := d.conn.WriteToUDP(data, dst); err != nil && firstErr == nil {
			firstErr = faults.Wrapf(faults.Resource, "broadcast", err, "%s to %s", t, dst)
		}
	}
	return firstErr
}

// SendTo answers a single instance.
func (d *Discovery) SendTo(addr net.Addr, t protocol.Type, fields map[string]string) error {
	data, err := d.encode(t, fields)
	if err != nil {
		return err
	}
	if _, err := d.conn.WriteTo(data, addr); err != nil {
		return faults.Wrapf(faults.Resource, "send", err, "%s to %s", t, addr)
	}
	return nil
}

func (d *Discovery) encode(t protocol.Type, fields map[string]string) ([]byte, error) {
	out := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out[protocol.KeyID] = d.myID
	if d.myName != "" {
		out[protocol.KeyPeer] = d.myName
	}
	return protocol.Encode(t, out)
}

func (d *Discovery) loop() {
	ticker := time.NewTicker(d.cfg.Announce)
	defer ticker.Stop()
	buf := make([]byte, protocol.MaxDatagram)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Query(); err != nil {
				d.log.Debug("announce failed", zap.Error(err))
			}
		default:
			d.conn.SetReadDeadline(time.Now().Add(readTick))
			n, src, err := d.conn.ReadFromUDP(buf)
			if err != nil {
				if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
					continue
				}
				select {
				case <-d.stopCh:
				default:
					d.log.Warn("receive loop stopped", zap.Error(err))
				}
				return
			}
			d.handle(buf[:n], src)
		}
	}
}

func (d *Discovery) handle(data []byte, src *net.UDPAddr) {
	cmd, err := protocol.Decode(data, src)
	if err != nil {
		if faults.Is(err, faults.Protocol) {
			select {
			case d.errs <- err:
			default:
			}
		}
		d.log.Debug("dropped datagram", zap.Stringer("from", src), zap.Error(err))
		return
	}
	id := cmd.Get(protocol.KeyID)
	if id == d.myID {
		return
	}
	if id != "" {
		d.peers.Add(id, Peer{ID: id, Name: cmd.Get(protocol.KeyPeer), Addr: src, Seen: time.Now()})
	}
	select {
	case d.cmds <- cmd:
	default:
		d.log.Warn("command queue full, dropping", zap.Stringer("type", cmd.Type), zap.Stringer("from", src))
	}
}
