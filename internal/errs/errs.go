// Package errs defines the error taxonomy shared by the previewer components.
//
// Every failure that crosses a component boundary is wrapped in an *Error
// carrying a Kind. Callers decide containment by kind: IO failures abort
// session creation, Parse and Compile failures keep the last good output,
// Toolchain and Timeout failures terminate a single export job.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an error.
type Kind string

const (
	KindIO        Kind = "io"
	KindParse     Kind = "parse"
	KindCompile   Kind = "compile"
	KindSync      Kind = "sync"
	KindToolchain Kind = "toolchain"
	KindTimeout   Kind = "timeout"
	KindNotFound  Kind = "not_found"
	KindTransport Kind = "transport"
)

// Error is a categorized error with the operation and path it occurred on.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. Op and Path are
// ignored so that sentinel comparisons like errors.Is(err, &Error{Kind: KindIO})
// work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Newf builds an *Error with a formatted cause.
func Newf(kind Kind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

func IO(op, path string, err error) *Error      { return New(KindIO, op, path, err) }
func Parse(op, path string, err error) *Error   { return New(KindParse, op, path, err) }
func Compile(op, path string, err error) *Error { return New(KindCompile, op, path, err) }

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
