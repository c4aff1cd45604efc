// Package fserr defines the error kinds surfaced by meshfs components.
//
// A Kind is itself an error, so callers can test with errors.Is:
//
//	if errors.Is(err, fserr.Unauthorized) { ... }
package fserr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	Unauthorized
	NotFound
	Incomplete
	DiscoveryUnavailable
	SyncFailed
	MalformedEntry
	Corrupt
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	Unauthorized:         "unauthorized",
	NotFound:             "not found",
	Incomplete:           "incomplete",
	DiscoveryUnavailable: "discovery unavailable",
	SyncFailed:           "sync failed",
	MalformedEntry:       "malformed entry",
	Corrupt:              "corrupt",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Error() string { return k.String() }

// Error is a classified failure with the operation and location it concerns.
type Error struct {
	Kind    Kind
	Op      string
	Replica string
	Path    string
	Err     error
}

// New builds an Error of the given kind for op, wrapping cause (may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Errorf builds an Error whose cause is a formatted message.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithReplica returns a copy of e annotated with a replica id.
func (e *Error) WithReplica(id fmt.Stringer) *Error {
	c := *e
	c.Replica = id.String()
	return &c
}

// WithPath returns a copy of e annotated with a path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Replica != "" {
		b.WriteString(" replica=")
		b.WriteString(e.Replica)
	}
	if e.Path != "" {
		b.WriteString(" path=")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target, so errors.Is(err, fserr.NotFound) works
// through any amount of wrapping.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	for _, kind := range []Kind{Unauthorized, NotFound, Incomplete, DiscoveryUnavailable, SyncFailed, MalformedEntry, Corrupt} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
