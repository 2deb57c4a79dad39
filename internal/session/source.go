package session

import (
	"context"
	"io"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ldtcast/internal/chunk"
	"ldtcast/internal/faults"
	"ldtcast/internal/manifest"
	"ldtcast/internal/protocol"
	"ldtcast/internal/transport"
)

func newSessionID() string { return uuid.NewString() }

// Send claims the source role, unless an earlier Claim on this session won
// it, and distributes rawURL to the group. A lost claim returns
// ErrSourceTaken with the session left in RoleDecided, ready for Receive.
func (s *Session) Send(ctx context.Context, rawURL string) (Result, error) {
	if !s.used.CompareAndSwap(false, true) {
		return Result{State: s.State()}, ErrBusy
	}
	err := s.Claim(ctx)
	if errors.Is(err, ErrAlreadyClaimed) && s.Role() == Source && s.State() == RoleDecided {
		err = nil
	}
	if err != nil {
		if errors.Is(err, ErrSourceTaken) {
			s.used.Store(false)
		}
		return Result{State: s.State()}, err
	}
	run := s.begin(ctx)
	defer s.end()

	res, err := s.source(run, rawURL)
	if err != nil {
		return s.terminate(run, err)
	}
	return res, nil
}

func (s *Session) source(ctx context.Context, rawURL string) (Result, error) {
	id := s.ID()
	log := s.log.With(zap.String("session", id))

	origin, err := chunk.Open(ctx, rawURL, s.cfg.Origin)
	if err != nil {
		return Result{}, err
	}
	defer origin.Close()
	name := chunk.BaseName(rawURL)

	if err := s.moveTo(Announcing); err != nil {
		return Result{}, err
	}
	if b, ok := s.tr.(transport.Binder); ok {
		b.Bind(id)
	}
	err = s.msg.Broadcast(protocol.DownloadStart, map[string]string{
		protocol.KeySession: id,
		protocol.KeyName:    name,
		protocol.KeySize:    strconv.FormatInt(origin.Size(), 10),
	})
	if err != nil {
		return Result{}, err
	}

	start := manifest.Start{
		SourceURL:   rawURL,
		FileName:    name,
		TotalSizeMB: ceilMB(origin.Size()),
		PartSizeMB:  ceilMB(s.cfg.PartSize),
	}
	if err := s.sendManifest(ctx, filepath.Join(s.cfg.WorkDir, id+".start"), func(p string) error {
		return manifest.WriteStart(p, start)
	}); err != nil {
		return Result{}, err
	}
	log.Info("transfer announced", zap.String("name", name), zap.Int64("size", origin.Size()))
	s.reportStart(name, origin.Size())

	if err := s.moveTo(Transferring); err != nil {
		return Result{}, err
	}
	pipe := s.newPipeline()
	src := chunk.NewSource(origin, int(s.cfg.PartSize))
	var parts []chunk.Part
	for {
		block, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if faults.KindOf(err) == faults.Unknown {
				err = faults.Wrap(faults.Transport, "fetch part", err)
			}
			return Result{}, err
		}
		part, err := block.Store(s.cfg.WorkDir, name)
		if err != nil {
			return Result{}, err
		}
		s.track(part.Path)
		if err := s.tr.SendFile(ctx, part.Path); err != nil {
			return Result{}, err
		}
		if err := pipe.Submit(part); err != nil {
			return Result{}, err
		}
		err = s.msg.Broadcast(protocol.NextFilePart, map[string]string{
			protocol.KeySession: id,
			protocol.KeyName:    name,
			protocol.KeyIndex:   strconv.Itoa(part.Index),
			protocol.KeySize:    strconv.FormatInt(part.Size, 10),
		})
		if err != nil {
			log.Warn("announce part", zap.Int("index", part.Index), zap.Error(err))
		}
		parts = append(parts, part)
		s.reportPart(part.Index, part.Size)
	}
	if len(parts) == 0 {
		return Result{}, faults.Errorf(faults.Configuration, "send", "%s is empty", rawURL)
	}

	if err := s.moveTo(Finalizing); err != nil {
		return Result{}, err
	}
	sums, err := pipe.Collect(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := s.sendManifest(ctx, filepath.Join(s.cfg.WorkDir, id+".end"), func(p string) error {
		return manifest.WriteEnd(p, manifest.End{Checksums: sums})
	}); err != nil {
		return Result{}, err
	}
	err = s.msg.Broadcast(protocol.Success, map[string]string{
		protocol.KeySession: id,
		protocol.KeyName:    name,
		protocol.KeyParts:   strconv.Itoa(len(parts)),
	})
	if err != nil {
		log.Warn("announce success", zap.Error(err))
	}

	s.stopPipeline()
	s.sweep()
	s.retainThenPurge(ctx)
	if err := s.moveTo(Done); err != nil {
		return Result{}, err
	}
	log.Info("transfer complete", zap.Int("parts", len(parts)))
	return Result{State: Done, Parts: len(parts), Checksums: sums, AbortObserved: s.abortObserved()}, nil
}

// sendManifest materializes a manifest with write, sends it and removes it.
func (s *Session) sendManifest(ctx context.Context, path string, write func(string) error) error {
	s.track(path)
	if err := write(path); err != nil {
		return err
	}
	if err := s.tr.SendFile(ctx, path); err != nil {
		return err
	}
	s.sweepOne(path)
	return nil
}
