// Package mrtderr defines the error kinds reported by the passport reading core.
//
// Every failure that crosses a package boundary carries exactly one Kind. Callers
// use the kind to decide what to tell the user: a wrong MRZ key (KindAuthentication,
// KindInput) means "check the document details", a lost tag (KindTransport) means
// "hold the document still and try again".
package mrtderr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInput: malformed or missing MRZ key fields.
	KindInput
	// KindTransport: channel lost, timeout, no response.
	KindTransport
	// KindProtocol: malformed APDU/response, unsupported status word or parameter set.
	KindProtocol
	// KindAuthentication: handshake rejected, usually a wrong MRZ key.
	KindAuthentication
	// KindIntegrity: secure messaging MAC failure. Terminal for the session.
	KindIntegrity
	// KindNotFound: requested elementary file absent.
	KindNotFound
	// KindVerification: SOD digest or signature mismatch.
	KindVerification
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindTransport:
		return "TransportError"
	case KindProtocol:
		return "ProtocolError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindIntegrity:
		return "IntegrityError"
	case KindNotFound:
		return "NotFoundError"
	case KindVerification:
		return "VerificationFailure"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInput          = &Error{Kind: KindInput}
	ErrTransport      = &Error{Kind: KindTransport}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrIntegrity      = &Error{Kind: KindIntegrity}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrVerification   = &Error{Kind: KindVerification}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "bac.Authenticate"
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// E builds a classified error. If err already carries a Kind, the new kind replaces
// it instead of nesting, so a single error never matches two kinds.
func E(kind Kind, op string, err error) error {
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{Kind: kind, Op: op, Err: &reclassified{msg: err.Error(), cause: inner.Err}}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// reclassified keeps the text of a replaced error and its underlying cause, but hides
// the replaced *Error itself from errors.As/errors.Is.
type reclassified struct {
	msg   string
	cause error
}

func (r *reclassified) Error() string { return r.msg }
func (r *reclassified) Unwrap() error { return r.cause }

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether repeating the tap could succeed without changing the
// credentials. Wrong credentials and malformed input are not retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindIntegrity:
		return true
	default:
		return false
	}
}
