package transport

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"ldtcast/internal/faults"
)

// FilePlaceholder is replaced by the file path in command templates.
const FilePlaceholder = "{file}"

const stderrTail = 4096

type ExecConfig struct {
	Send    []string      `yaml:"send"`
	Receive []string      `yaml:"receive"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c ExecConfig) validate() error {
	for name, argv := range map[string][]string{"send": c.Send, "receive": c.Receive} {
		if len(argv) == 0 || argv[0] == "" {
			return faults.Errorf(faults.Configuration, "exec transport", "empty %s command", name)
		}
		if !strings.Contains(strings.Join(argv, " "), FilePlaceholder) {
			return faults.Errorf(faults.Configuration, "exec transport", "%s command lacks %s", name, FilePlaceholder)
		}
	}
	if c.Timeout <= 0 {
		return faults.New(faults.Configuration, "exec transport", "timeout must be positive")
	}
	return nil
}

// Exec delegates each file to an external bulk-transfer program, one
// process per file. The exit status is the transfer result.
type Exec struct {
	cfg ExecConfig
	log *zap.Logger
}

func NewExec(cfg ExecConfig, log *zap.Logger) (*Exec, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Exec{cfg: cfg, log: log.Named("exec")}, nil
}

func (e *Exec) SendFile(ctx context.Context, path string) error {
	return e.run(ctx, "send", e.cfg.Send, path)
}

func (e *Exec) ReceiveFile(ctx context.Context, path string) error {
	err := e.run(ctx, "receive", e.cfg.Receive, path)
	if err != nil {
		os.Remove(path)
	}
	return err
}

func (e *Exec) run(ctx context.Context, op string, tmpl []string, path string) error {
	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = strings.ReplaceAll(a, FilePlaceholder, path)
	}
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stderr tailBuffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	e.log.Debug("transfer helper exited",
		zap.String("op", op),
		zap.String("file", path),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	if err == nil {
		return nil
	}
	switch {
	case ctx.Err() != nil:
		return faults.Wrap(faults.Aborted, op+" file", ctx.Err())
	case runCtx.Err() == context.DeadlineExceeded:
		return faults.Errorf(faults.Transport, op+" file", "%s timed out after %s", argv[0], e.cfg.Timeout)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return faults.Wrapf(faults.Transport, op+" file", err, "%s: %s", argv[0], msg)
	}
	return faults.Wrapf(faults.Transport, op+" file", err, "%s", argv[0])
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n, _ := t.Buffer.Write(p)
	if over := t.Len() - stderrTail; over > 0 {
		t.Next(over)
	}
	return n, nil
}
