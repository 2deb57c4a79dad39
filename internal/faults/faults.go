// Package faults classifies the failures a transfer session can run into.
//
// Every component returns plain errors; the ones that matter for the
// abort/retry decision are wrapped in *Error carrying a Kind, so the session
// can tell "not yet the frame I expected" apart from "the transport died".
package faults

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	// Format: a manifest or command frame does not parse.
	Format
	// Protocol: unknown command type or a role violation.
	Protocol
	// Transport: the bulk transport reported failure.
	Transport
	// Integrity: checksum count or value mismatch.
	Integrity
	// Resource: storage exhausted, files cannot be created or written.
	Resource
	// Configuration: malformed invocation parameters.
	Configuration
	// Timeout: a bounded wait elapsed.
	Timeout
	// Aborted: the session was told to stop.
	Aborted
)

var kindNames = [...]string{
	Unknown:       "unknown",
	Format:        "format",
	Protocol:      "protocol",
	Transport:     "transport",
	Integrity:     "integrity",
	Resource:      "resource",
	Configuration: "configuration",
	Timeout:       "timeout",
	Aborted:       "aborted",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a fresh message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: pkgerrors.New(msg)}
}

// Errorf is New with formatting.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: pkgerrors.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err and annotates it.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: pkgerrors.Wrapf(err, format, args...)}
}

// KindOf returns the outermost classification found in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether any classified error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}
