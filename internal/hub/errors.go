package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies transport failures.
type Kind int

const (
	KindGeneric Kind = iota
	KindNegotiation
	KindWebSocket
	KindTimeout
	KindUnauthorized
	KindForbidden
	KindServerUnavailable
	KindClosed
	KindInvocation
)

var kindNames = map[Kind]string{
	KindGeneric:           "generic",
	KindNegotiation:       "negotiation",
	KindWebSocket:         "websocket",
	KindTimeout:           "timeout",
	KindUnauthorized:      "unauthorized",
	KindForbidden:         "forbidden",
	KindServerUnavailable: "server unavailable",
	KindClosed:            "closed",
	KindInvocation:        "invocation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "generic"
}

// Error is returned by every transport operation.
type Error struct {
	Kind   Kind
	Op     string
	Status int // HTTP status, when one was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("hub %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("hub %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotConnected is wrapped by calls made while no connection is open.
var ErrNotConnected = errors.New("connection is not in the connected state")

func kindForStatus(status int, fallback Kind) Kind {
	switch status {
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindServerUnavailable
	}
	return fallback
}

func wrap(op string, kind Kind, status int, err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else if status != 0 {
		kind = kindForStatus(status, kind)
	}
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

// KindOf returns the Kind of err, or KindGeneric when err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind, true
	}
	return KindGeneric, false
}
