// Package failure classifies the errors an experiment run can produce.
//
// Every error that leaves a phase is wrapped in an *Error carrying a Kind so
// the run loop can decide whether to keep iterating and the CLI can map the
// class onto a process exit status.
package failure

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	// KindSetup: the measurement subject or its forwarding channel never
	// became ready. Aborts the process.
	KindSetup Kind = "SETUP"
	// KindPhase: a workload or extraction step timed out. The iteration is
	// marked failed, the run loop continues.
	KindPhase Kind = "PHASE"
	// KindProtocol: a statistics response could not be parsed.
	KindProtocol Kind = "PROTOCOL"
	// KindGuard: a result artifact already exists before a destructive phase.
	KindGuard Kind = "GUARD"
	// KindProbe: an auxiliary probe failed to start or stop.
	KindProbe Kind = "PROBE"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New("unknown error")
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Setup(op string, err error) error    { return newError(KindSetup, op, err) }
func Phase(op string, err error) error    { return newError(KindPhase, op, err) }
func Protocol(op string, err error) error { return newError(KindProtocol, op, err) }
func Guard(op string, err error) error    { return newError(KindGuard, op, err) }
func Probe(op string, err error) error    { return newError(KindProbe, op, err) }

func Setupf(op, format string, args ...interface{}) error {
	return Setup(op, errors.Errorf(format, args...))
}

func Protocolf(op, format string, args ...interface{}) error {
	return Protocol(op, errors.Errorf(format, args...))
}

func Guardf(op, format string, args ...interface{}) error {
	return Guard(op, errors.Errorf(format, args...))
}

func Phasef(op, format string, args ...interface{}) error {
	return Phase(op, errors.Errorf(format, args...))
}

// KindOf returns the class of the outermost classified error in the chain,
// or "" for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Fatal reports whether err must stop the run loop.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindSetup, KindProtocol, KindGuard:
		return true
	case KindPhase, KindProbe:
		return false
	}
	return err != nil
}

// Exit statuses surfaced by the CLI.
const (
	ExitOK       = 0
	ExitGeneric  = 1
	ExitSetup    = 2
	ExitProtocol = 3
	ExitGuard    = 4
	ExitPhase    = 5
)

func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindSetup:
		return ExitSetup
	case KindProtocol:
		return ExitProtocol
	case KindGuard:
		return ExitGuard
	case KindPhase:
		return ExitPhase
	}
	return ExitGeneric
}
