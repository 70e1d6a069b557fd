package providers

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a collaborator failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindAuth        Kind = "auth"
	KindParse       Kind = "parse"
)

// MaxRawExcerpt bounds how much of a malformed response is kept for logs.
const MaxRawExcerpt = 200

// Sentinels for errors.Is against a *Error of the matching kind.
var (
	ErrTimeout     = errors.New("call timed out")
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient failure")
	ErrAuth        = errors.New("authorization failure")
	ErrParse       = errors.New("malformed response")
)

// Error is the typed failure every collaborator call surfaces.
type Error struct {
	Kind  Kind
	Stage string
	Raw   string // excerpt of a malformed response, parse errors only
	Err   error
}

// NewError wraps err with a kind.
func NewError(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// ParseError builds a parse failure that keeps a bounded raw excerpt.
func ParseError(stage, raw string, err error) *Error {
	return &Error{Kind: KindParse, Stage: stage, Raw: Excerpt(raw), Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrParse:
		return e.Kind == KindParse
	}
	return false
}

// KindOf classifies any error. Untyped errors are treated as transient and
// context deadline errors as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// RawOf returns the raw excerpt carried by a parse error.
func RawOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Raw
	}
	return ""
}

// Excerpt truncates s to MaxRawExcerpt bytes on a rune boundary.
func Excerpt(s string) string {
	if len(s) <= MaxRawExcerpt {
		return s
	}
	cut := MaxRawExcerpt
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, stage, format string, args ...any) *Error {
	return NewError(kind, stage, fmt.Errorf(format, args...))
}
