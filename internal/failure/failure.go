// Package failure defines the closed error taxonomy used by the runtime to
// decide how a failed unit of work is routed.
package failure

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error. The string form is used to derive error queue
// names, so it must stay stable.
type Kind int

const (
	// KindUnhandled is any error that carries no explicit classification
	KindUnhandled Kind = iota
	// KindConfiguration indicates a missing or malformed configuration value
	KindConfiguration
	// KindAdapterCreation indicates an adapter kind could not be resolved
	KindAdapterCreation
	// KindUnsupportedType indicates an adapter kind is not in the allow-list
	KindUnsupportedType
	// KindDomain is an expected, named business failure
	KindDomain
	// KindPoison is a message that cannot be processed at all
	KindPoison
	// KindTransport is a recoverable broker or network failure
	KindTransport
	// KindMaxThreshold is raised when transport retries are exhausted
	KindMaxThreshold
)

var kindNames = map[Kind]string{
	KindUnhandled:       "UnhandledError",
	KindConfiguration:   "ConfigurationError",
	KindAdapterCreation: "AdapterCreationError",
	KindUnsupportedType: "UnsupportedTypeError",
	KindDomain:          "DomainError",
	KindPoison:          "PoisonMessageError",
	KindTransport:       "TransportError",
	KindMaxThreshold:    "MaxThresholdError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnhandled]
}

// Error is a classified error carrying the stack of the point where it was
// classified.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }

// Unwrap exposes the cause for errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of e.
func (e *Error) Kind() Kind { return e.kind }

// New creates a classified error from a message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, err: pkgerrors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, err: pkgerrors.Errorf(format, args...)}
}

// Wrap classifies err, adding msg as context. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: pkgerrors.Wrap(err, msg)}
}

// Classify attaches kind to err without adding context.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: pkgerrors.WithStack(err)}
}

// Domain marks err as an expected business failure.
func Domain(err error) error { return Classify(KindDomain, err) }

// Poison marks err as an unprocessable message.
func Poison(err error) error { return Classify(KindPoison, err) }

// MaxThreshold reports that count consecutive retries were exhausted.
func MaxThreshold(count int, msg string) error {
	if msg == "" {
		msg = "reached the maximum threshold counter error while attempting to send the message"
	}
	return Newf(KindMaxThreshold, "%s: %d", msg, count)
}

// KindOf returns the outermost classification found in err's chain.
// Unclassified errors are KindUnhandled.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnhandled
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// StackTrace returns the formatted stack of the deepest recorded frame set in
// err's chain, or an empty string when none was captured.
func StackTrace(err error) string {
	var trace pkgerrors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			trace = st.StackTrace()
		}
	}
	if trace == nil {
		return ""
	}
	return fmt.Sprintf("%+v", trace)
}
