// Package session drives one transfer attempt for one instance: discovery,
// the source claim, then either the source path (fetch, send, checksum,
// announce) or the receiver path (receive, checksum, verify, join).
//
// A Session is single-use. Start launches the command listener; then exactly
// one of Send or Receive runs the transfer to a terminal state. Every
// terminal state other than Done leaves no part or manifest files behind.
package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ldtcast/internal/assemble"
	"ldtcast/internal/checksum"
	"ldtcast/internal/chunk"
	"ldtcast/internal/diskspace"
	"ldtcast/internal/faults"
	"ldtcast/internal/protocol"
	"ldtcast/internal/transport"
)

const (
	DefaultClaimWindow = 750 * time.Millisecond
	DefaultPartSize    = 64 << 20

	mb          = 1 << 20
	eventQueue  = 64
	maxReasonSz = 256

	purgeTimeout = 30 * time.Second
)

var (
	ErrSourceTaken = errors.New("another instance is the source")
	// ErrAlreadyClaimed goes to every Claim caller but the one that won.
	ErrAlreadyClaimed = errors.New("source role already claimed by this session")
	ErrNotStarted     = errors.New("session not started")
	// ErrBusy is returned by Send and Receive once a transfer has run.
	ErrBusy = errors.New("session already ran a transfer")
)

// Messenger is the control channel to the other instances.
// discovery.Discovery implements it.
type Messenger interface {
	ID() string
	Broadcast(t protocol.Type, fields map[string]string) error
	SendTo(addr net.Addr, t protocol.Type, fields map[string]string) error
	Commands() <-chan protocol.Command
	Errors() <-chan error
}

type Config struct {
	// WorkDir holds parts and manifests while they are in flight.
	WorkDir string
	// OutputDir receives the joined file. Defaults to WorkDir.
	OutputDir string
	// PartSize in bytes; the manifest advertises it rounded up to MB.
	PartSize int64

	ChecksumWorkers int
	ChecksumTimeout time.Duration

	// ClaimWindow is how long a claimant listens for competing claims.
	ClaimWindow time.Duration

	FreeSpace func(dir string) (uint64, error)
	Origin    chunk.Options

	// OnStart, if set, is called once the file name and size are known. The
	// size is -1 when the origin cannot tell.
	OnStart func(name string, size int64)
	// OnPart, if set, is called from the transfer loop after each part moved.
	OnPart func(index int, size int64)
}

// Result is the outcome of Send or Receive.
type Result struct {
	State State
	Parts int
	// Path of the joined file on a receiver.
	Path          string
	Checksums     []string
	AbortObserved bool
}

type Session struct {
	cfg Config
	msg Messenger
	tr  transport.Adapter
	log *zap.Logger

	role atomic.Int32
	// used flips once per session; Send and Receive take it by CAS.
	used atomic.Bool

	mu        sync.Mutex
	state     State
	id        string
	claim     string
	rival     string
	lost      bool
	lostCh    chan struct{}
	cancelRun context.CancelCauseFunc
	pending   error
	aborted   bool
	// success is the last Success seen for any session.
	success protocol.Command

	events chan Event
	pipe   *checksum.Pipeline
	debris map[string]struct{}
}

func New(cfg Config, msg Messenger, tr transport.Adapter, log *zap.Logger) (*Session, error) {
	const op = "new session"
	if cfg.WorkDir == "" {
		return nil, faults.New(faults.Configuration, op, "work dir is required")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = cfg.WorkDir
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.PartSize < 0 {
		return nil, faults.Errorf(faults.Configuration, op, "part size %d", cfg.PartSize)
	}
	if cfg.ClaimWindow <= 0 {
		cfg.ClaimWindow = DefaultClaimWindow
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = diskspace.Free
	}
	for _, dir := range []string{cfg.WorkDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, faults.Wrap(faults.Resource, op, err)
		}
	}
	return &Session{
		cfg:    cfg,
		msg:    msg,
		tr:     tr,
		log:    log.Named("session").With(zap.String("instance", msg.ID())),
		lostCh: make(chan struct{}),
		events: make(chan Event, eventQueue),
		debris: make(map[string]struct{}),
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role { return Role(s.role.Load()) }

// ID is the transfer id, known once the source is decided.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) moveTo(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canMove(s.state, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", s.state, to)
	}
	s.log.Debug("state", zap.Stringer("from", s.state), zap.Stringer("to", to))
	s.state = to
	return nil
}

// Start moves to Discovering, starts answering peers and asks who is out
// there. The listener runs until ctx is done.
func (s *Session) Start(ctx context.Context) error {
	if err := s.moveTo(Discovering); err != nil {
		return err
	}
	go s.listen(ctx)
	if err := s.msg.Broadcast(protocol.FindOthers, nil); err != nil {
		s.log.Warn("find others", zap.Error(err))
	}
	return nil
}

func (s *Session) listen(ctx context.Context) {
	cmds, errs := s.msg.Commands(), s.msg.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			if ev, ok := s.handle(cmd); ok {
				s.dispatch(ev)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if active(s.State()) {
				s.dispatch(Event{Kind: EvFatal, Err: err})
			}
		}
	}
}

// handle answers discovery traffic inline and turns everything the transfer
// loop cares about into an Event.
func (s *Session) handle(cmd protocol.Command) (Event, bool) {
	st := s.State()
	if !active(st) {
		return Event{}, false
	}
	if !accepts(st, cmd.Type) {
		return s.violation(cmd, st), true
	}
	switch cmd.Type {
	case protocol.FindOthers:
		s.answer(cmd)
	case protocol.ResponseToFindOthers:
		s.log.Debug("peer present", zap.String("peer", cmd.Get(protocol.KeyID)))
	case protocol.BecameServer:
		return s.onBecameServer(cmd)
	case protocol.DownloadAbort:
		if s.Role() != Source && s.abortApplies(cmd) {
			return Event{Kind: EvAbort, Cmd: cmd}, true
		}
	default:
		switch s.Role() {
		case Source:
			return s.violation(cmd, st), true
		case Claiming:
			if cmd.Type == protocol.DownloadStart {
				s.mu.Lock()
				s.lose()
				s.mu.Unlock()
			}
		}
		switch cmd.Type {
		case protocol.NextFilePart:
			s.log.Debug("part announced", zap.String("index", cmd.Get(protocol.KeyIndex)))
		case protocol.Success:
			s.mu.Lock()
			s.success = cmd
			s.mu.Unlock()
		default:
			return Event{Kind: EvCommand, Cmd: cmd}, true
		}
	}
	return Event{}, false
}

func (s *Session) violation(cmd protocol.Command, st State) Event {
	return Event{Kind: EvFatal, Err: faults.Errorf(faults.Protocol, "session",
		"%s from %s while %s as %s", cmd.Type, cmd.Get(protocol.KeyID), st, s.Role())}
}

func (s *Session) answer(cmd protocol.Command) {
	var err error
	if s.Role() == Source {
		err = s.msg.SendTo(cmd.From, protocol.BecameServer, s.sourceFields())
	} else {
		err = s.msg.SendTo(cmd.From, protocol.ResponseToFindOthers, nil)
	}
	if err != nil {
		s.log.Warn("answer find others", zap.Error(err))
	}
}

func (s *Session) sourceFields() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{protocol.KeyClaim: s.claim, protocol.KeySession: s.id}
}

// onBecameServer settles the claim race. A BecameServer carrying a session
// id comes from a committed source; one without is a claim in progress.
// Lower claim tokens win.
func (s *Session) onBecameServer(cmd protocol.Command) (Event, bool) {
	committed := cmd.Get(protocol.KeySession) != ""
	token := cmd.Get(protocol.KeyClaim)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.Role() {
	case Undecided:
		if s.role.CompareAndSwap(int32(Undecided), int32(Receiver)) {
			if s.state == Discovering {
				s.state = RoleDecided
			}
			s.log.Info("source elected elsewhere", zap.String("source", cmd.Get(protocol.KeyID)))
		}
	case Claiming:
		if committed {
			s.lose()
		} else if token != "" && (s.rival == "" || token < s.rival) {
			s.rival = token
		}
	case Source:
		if committed {
			return Event{Kind: EvFatal, Err: faults.Errorf(faults.Protocol, "session",
				"%s also claims to be the source of %s", cmd.Get(protocol.KeyID), cmd.Get(protocol.KeySession))}, true
		}
		fields := map[string]string{protocol.KeyClaim: s.claim, protocol.KeySession: s.id}
		if err := s.msg.SendTo(cmd.From, protocol.BecameServer, fields); err != nil {
			s.log.Warn("reject late claim", zap.Error(err))
		}
	}
	return Event{}, false
}

func (s *Session) lose() {
	if !s.lost {
		s.lost = true
		close(s.lostCh)
	}
}

func (s *Session) abortApplies(cmd protocol.Command) bool {
	sid := cmd.Get(protocol.KeySession)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sid == "" || s.id == "" || sid == s.id
}

func (s *Session) dispatch(ev Event) {
	switch ev.Kind {
	case EvAbort:
		s.mu.Lock()
		cancel := s.cancelRun
		if cancel != nil {
			s.aborted = true
		}
		s.mu.Unlock()
		if cancel == nil {
			s.log.Debug("abort outside a transfer", zap.String("from", ev.Cmd.Get(protocol.KeyID)))
			return
		}
		s.log.Warn("source aborted the transfer", zap.String("reason", ev.Cmd.Get(protocol.KeyReason)))
		cancel(faults.Errorf(faults.Aborted, "session", "source aborted: %s", ev.Cmd.Get(protocol.KeyReason)))
	case EvFatal:
		s.mu.Lock()
		cancel := s.cancelRun
		if cancel == nil && s.pending == nil {
			s.pending = ev.Err
		}
		s.mu.Unlock()
		if cancel != nil {
			cancel(ev.Err)
		}
	case EvCommand:
		select {
		case s.events <- ev:
		default:
			s.log.Warn("event queue full", zap.Stringer("type", ev.Cmd.Type))
		}
	}
}

// Claim tries to make this instance the source. It announces a claim token,
// listens for competing claims for the claim window, and wins only if no
// lower token and no committed source showed up. The role flag moves by
// compare-and-swap, so at most one caller per process ever gets past the
// first step.
func (s *Session) Claim(ctx context.Context) error {
	st := s.State()
	if st == Idle {
		return ErrNotStarted
	}
	if st != Discovering || !s.role.CompareAndSwap(int32(Undecided), int32(Claiming)) {
		return s.claimTaken()
	}
	token := fmt.Sprintf("%020d/%s", time.Now().UnixNano(), s.msg.ID())
	s.mu.Lock()
	s.claim = token
	s.mu.Unlock()

	if err := s.msg.Broadcast(protocol.BecameServer, map[string]string{protocol.KeyClaim: token}); err != nil {
		s.role.Store(int32(Undecided))
		return err
	}
	timer := time.NewTimer(s.cfg.ClaimWindow)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.role.CompareAndSwap(int32(Claiming), int32(Undecided))
		return faults.Wrap(faults.Aborted, "claim", ctx.Err())
	case <-s.lostCh:
	case <-timer.C:
	}

	s.mu.Lock()
	won := !s.lost && (s.rival == "" || token < s.rival)
	if won {
		s.id = newSessionID()
		s.role.Store(int32(Source))
	} else {
		s.role.Store(int32(Receiver))
	}
	s.mu.Unlock()

	if err := s.moveTo(RoleDecided); err != nil {
		return err
	}
	if !won {
		s.log.Info("lost the source claim")
		return ErrSourceTaken
	}
	s.log.Info("became source", zap.String("claim", token), zap.String("session", s.ID()))
	if err := s.msg.Broadcast(protocol.BecameServer, s.sourceFields()); err != nil {
		s.log.Warn("announce source", zap.Error(err))
	}
	return nil
}

// claimTaken reports the outcome for a caller that did not get to claim.
// Taking the lock waits out a listener that is moving us to Receiver.
func (s *Session) claimTaken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.Role(); r == Source || r == Claiming {
		return ErrAlreadyClaimed
	}
	return ErrSourceTaken
}

// begin derives the transfer context. Aborts and fatal control-channel
// errors cancel it with their cause.
func (s *Session) begin(ctx context.Context) context.Context {
	run, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.cancelRun = cancel
	if s.pending != nil {
		cancel(s.pending)
	}
	s.mu.Unlock()
	return run
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRun != nil {
		s.cancelRun(nil)
		s.cancelRun = nil
	}
}

func (s *Session) abortObserved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// cause prefers the reason the run context was cancelled over whatever error
// the interrupted operation reported.
func cause(run context.Context, err error) error {
	if run.Err() == nil {
		return err
	}
	c := context.Cause(run)
	if faults.KindOf(c) != faults.Unknown {
		return c
	}
	return faults.Wrap(faults.Aborted, "session", c)
}

func (s *Session) newPipeline() *checksum.Pipeline {
	s.pipe = checksum.New(s.log,
		checksum.WithWorkers(s.cfg.ChecksumWorkers),
		checksum.WithTimeout(s.cfg.ChecksumTimeout))
	return s.pipe
}

func (s *Session) stopPipeline() {
	if s.pipe != nil {
		s.pipe.Shutdown()
		s.pipe.Wait()
	}
}

func (s *Session) track(paths ...string) {
	for _, p := range paths {
		s.debris[p] = struct{}{}
	}
}

func (s *Session) untrack(paths ...string) {
	for _, p := range paths {
		delete(s.debris, p)
	}
}

// sweep removes every part and manifest file this session created and has
// not handed off.
func (s *Session) sweep() {
	for p := range s.debris {
		if err := assemble.Remove(p); err != nil {
			s.log.Warn("cleanup", zap.String("path", p), zap.Error(err))
		}
		delete(s.debris, p)
	}
}

func (s *Session) sweepOne(p string) {
	if err := assemble.Remove(p); err != nil {
		s.log.Warn("cleanup", zap.String("path", p), zap.Error(err))
	}
	s.untrack(p)
}

// terminate ends a failed run: stops hashing, removes debris and settles on
// Aborted or Failed. A source also tells the receivers to stop.
func (s *Session) terminate(run context.Context, err error) (Result, error) {
	err = cause(run, err)
	s.stopPipeline()
	s.sweep()

	final := Failed
	if faults.Is(err, faults.Aborted) {
		final = Aborted
	}
	if s.Role() == Source {
		reason := err.Error()
		if len(reason) > maxReasonSz {
			reason = reason[:maxReasonSz]
		}
		fields := map[string]string{protocol.KeySession: s.ID(), protocol.KeyReason: reason}
		if berr := s.msg.Broadcast(protocol.DownloadAbort, fields); berr != nil {
			s.log.Warn("broadcast abort", zap.Error(berr))
		}
		s.purge()
	}
	if merr := s.moveTo(final); merr != nil {
		s.log.Warn("settle state", zap.Error(merr))
	}
	s.log.Error("transfer ended", zap.Stringer("state", final), zap.Error(err))
	return Result{State: final, AbortObserved: s.abortObserved()}, err
}

// purge drops what the transport published for this session. The run
// context may be gone already, so it gets its own deadline.
func (s *Session) purge() {
	p, ok := s.tr.(transport.Purger)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	if err := p.Purge(ctx); err != nil {
		s.log.Warn("purge published files", zap.Error(err))
	}
}

// retainThenPurge keeps published files around for late readers, then
// purges them. Cancelling ctx cuts the wait short.
func (s *Session) retainThenPurge(ctx context.Context) {
	p, ok := s.tr.(transport.Purger)
	if !ok {
		return
	}
	if d := p.Retention(); d > 0 {
		s.log.Info("retaining published files", zap.Duration("for", d))
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	s.purge()
}

func (s *Session) reportStart(name string, size int64) {
	if s.cfg.OnStart != nil {
		s.cfg.OnStart(name, size)
	}
}

func (s *Session) reportPart(index int, size int64) {
	if s.cfg.OnPart != nil {
		s.cfg.OnPart(index, size)
	}
}

func ceilMB(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + mb - 1) / mb
}
