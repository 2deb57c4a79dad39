package session

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"ldtcast/internal/assemble"
	"ldtcast/internal/chunk"
	"ldtcast/internal/faults"
	"ldtcast/internal/manifest"
	"ldtcast/internal/protocol"
	"ldtcast/internal/transport"
)

// Receive takes the receiver role and runs one inbound transfer to a
// terminal state. It may follow a lost Claim.
func (s *Session) Receive(ctx context.Context) (Result, error) {
	if !s.used.CompareAndSwap(false, true) {
		return Result{State: s.State()}, ErrBusy
	}
	if !s.role.CompareAndSwap(int32(Undecided), int32(Receiver)) && s.Role() != Receiver {
		return Result{State: s.State()}, faults.Errorf(faults.Protocol, "receive", "instance is %s", s.Role())
	}
	run := s.begin(ctx)
	defer s.end()

	if s.State() == Discovering {
		if err := s.moveTo(RoleDecided); err != nil {
			return s.terminate(run, err)
		}
	}
	res, err := s.receive(run)
	if err != nil {
		return s.terminate(run, err)
	}
	return res, nil
}

func (s *Session) receive(ctx context.Context) (Result, error) {
	if err := s.moveTo(AwaitingStart); err != nil {
		return Result{}, err
	}
	announce, err := s.awaitStart(ctx)
	if err != nil {
		return Result{}, err
	}
	id, err := safeName(announce.Get(protocol.KeySession))
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	log := s.log.With(zap.String("session", id))
	if b, ok := s.tr.(transport.Binder); ok {
		b.Bind(id)
	}
	log.Info("transfer announced", zap.String("name", announce.Get(protocol.KeyName)))

	start, err := s.receiveStart(ctx, filepath.Join(s.cfg.WorkDir, id+".start"))
	if err != nil {
		return Result{}, err
	}
	name, err := safeName(start.FileName)
	if err != nil {
		return Result{}, err
	}
	if err := s.checkSpace(start); err != nil {
		return Result{}, err
	}
	s.reportStart(name, start.TotalSizeMB*mb)

	if err := s.moveTo(Receiving); err != nil {
		return Result{}, err
	}
	pipe := s.newPipeline()
	var (
		parts []chunk.Part
		end   manifest.End
	)
	for i := 0; ; {
		p := chunk.PartPath(s.cfg.WorkDir, name, i)
		s.track(p)
		if err := s.tr.ReceiveFile(ctx, p); err != nil {
			return Result{}, err
		}
		fi, err := os.Stat(p)
		if err != nil {
			return Result{}, faults.Wrap(faults.Resource, "receive part", err)
		}
		if fi.Size() == 0 {
			log.Debug("dropped empty transfer", zap.Int("index", i))
			s.sweepOne(p)
			continue
		}
		if fi.Size() <= manifest.MaxFrameSize {
			e, err := manifest.ReadEnd(p)
			if err == nil {
				end = e
				break
			}
			if !faults.Is(err, faults.Format) {
				return Result{}, faults.Wrap(faults.Resource, "receive part", err)
			}
		}
		part := chunk.Part{Index: i, Path: p, Size: fi.Size()}
		if err := pipe.Submit(part); err != nil {
			return Result{}, err
		}
		parts = append(parts, part)
		s.reportPart(i, fi.Size())
		i++
	}

	if err := s.moveTo(Verifying); err != nil {
		return Result{}, err
	}
	sums, err := pipe.Collect(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := verify(sums, end.Checksums); err != nil {
		return Result{}, err
	}
	if err := s.checkSuccess(len(parts)); err != nil {
		return Result{}, err
	}
	s.stopPipeline()

	dest := filepath.Join(s.cfg.OutputDir, name)
	err = assemble.Join(ctx, dest, parts)
	for _, p := range parts {
		s.untrack(p.Path)
	}
	if err != nil {
		return Result{}, err
	}
	s.sweep()
	if err := s.moveTo(Done); err != nil {
		return Result{}, err
	}
	log.Info("transfer complete", zap.Int("parts", len(parts)), zap.String("path", dest))
	return Result{State: Done, Parts: len(parts), Path: dest, Checksums: sums, AbortObserved: s.abortObserved()}, nil
}

func (s *Session) awaitStart(ctx context.Context) (protocol.Command, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Command{}, ctx.Err()
		case ev := <-s.events:
			if ev.Cmd.Type == protocol.DownloadStart && ev.Cmd.Get(protocol.KeySession) != "" {
				return ev.Cmd, nil
			}
			s.log.Debug("ignored before start", zap.Stringer("type", ev.Cmd.Type))
		}
	}
}

// receiveStart keeps receiving until a transfer decodes as a Start manifest.
// Anything else is not the manifest yet, not a failure.
func (s *Session) receiveStart(ctx context.Context, path string) (manifest.Start, error) {
	s.track(path)
	defer s.sweepOne(path)
	for {
		if err := s.tr.ReceiveFile(ctx, path); err != nil {
			return manifest.Start{}, err
		}
		st, err := manifest.ReadStart(path)
		if err == nil {
			return st, nil
		}
		if !faults.Is(err, faults.Format) {
			return manifest.Start{}, faults.Wrap(faults.Resource, "receive start", err)
		}
		s.log.Warn("waiting for start manifest", zap.Error(err))
	}
}

// checkSpace makes sure the whole file plus one part in flight fits.
func (s *Session) checkSpace(st manifest.Start) error {
	need := uint64(st.TotalSizeMB+st.PartSizeMB) * mb
	dirs := []string{s.cfg.WorkDir}
	if s.cfg.OutputDir != s.cfg.WorkDir {
		dirs = append(dirs, s.cfg.OutputDir)
	}
	for _, dir := range dirs {
		free, err := s.cfg.FreeSpace(dir)
		if err != nil {
			return faults.Wrap(faults.Resource, "space check", err)
		}
		if free < need {
			return faults.Errorf(faults.Resource, "space check", "%s has %d bytes free, transfer needs %d", dir, free, need)
		}
	}
	return nil
}

// checkSuccess cross-checks the part count from a Success announcement, if
// one has arrived already.
func (s *Session) checkSuccess(received int) error {
	s.mu.Lock()
	cmd, id := s.success, s.id
	s.mu.Unlock()
	if cmd.Type != protocol.Success || cmd.Get(protocol.KeySession) != id {
		return nil
	}
	n, err := strconv.Atoi(cmd.Get(protocol.KeyParts))
	if err != nil {
		return faults.Errorf(faults.Format, "success", "bad part count %q", cmd.Get(protocol.KeyParts))
	}
	if n != received {
		return faults.Errorf(faults.Integrity, "verify", "source sent %d parts, received %d", n, received)
	}
	return nil
}

func verify(got, want []string) error {
	if slices.Equal(got, want) {
		return nil
	}
	if len(got) != len(want) {
		return faults.Errorf(faults.Integrity, "verify", "end manifest lists %d checksums, received %d parts", len(want), len(got))
	}
	i := 0
	for got[i] == want[i] {
		i++
	}
	return faults.Errorf(faults.Integrity, "verify", "part %d checksum %s, expected %s", i, got[i], want[i])
}

// safeName keeps a peer-supplied file name inside our directories.
func safeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base != name || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", faults.Errorf(faults.Protocol, "receive start", "unsafe file name %q", name)
	}
	return base, nil
}
