package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class is the failure taxonomy every brokerage error is sorted into. It
// decides whether a call is retried and how a position reacts to the outcome.
type Class string

const (
	// ClassTransient covers network errors, 5xx and rate-limit responses
	// on reads. Retried with backoff.
	ClassTransient Class = "TRANSIENT"
	// ClassAuth is an expired or refused credential. The gateway
	// re-authenticates once and retries once.
	ClassAuth Class = "AUTH"
	// ClassRejected is a definitive business-rule rejection. Never retried.
	ClassRejected Class = "REJECTED"
	// ClassAmbiguous is an order submission whose fill state is unknown.
	// It must be reconciled by a status read-back before any other action.
	ClassAmbiguous Class = "AMBIGUOUS"
	// ClassFatal aborts the current tick.
	ClassFatal Class = "FATAL"
	// ClassConfigInvalid blocks LIVE submission when credentials are missing
	// or malformed.
	ClassConfigInvalid Class = "CONFIG_INVALID"
	// ClassMarketClosed is an order attempted outside the session. It is a
	// no-op with a reason, not a failure.
	ClassMarketClosed Class = "MARKET_CLOSED"
)

// Error is a classified brokerage failure. Status, Code and Message carry the
// upstream response verbatim when there was one.
type Error struct {
	Op      string
	Class   Class
	Status  int    // upstream HTTP status, 0 when no response was received
	Code    string // upstream business code (KIS msg_cd / rt_cd, Alpaca code)
	Message string // upstream message (KIS msg1, Alpaca message)
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Class)
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += " msg=" + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the class of err. Errors that carry no classification are
// treated as TRANSIENT: transports classify every upstream answer, so an
// unclassified error is a local network or context failure.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassTransient
}

// IsRetryable reports whether err may be retried by the backoff policy.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}

// Upstream extracts the verbatim upstream status, code and message from err.
func Upstream(err error) (status int, code, message string) {
	var be *Error
	if errors.As(err, &be) {
		return be.Status, be.Code, be.Message
	}
	return 0, "", ""
}

// classifyStatus maps an HTTP status to a class for a read-only call.
func classifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusTooManyRequests || status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassRejected
	default:
		return ClassTransient
	}
}

// classifyOrderStatus is classifyStatus for an order submission: a server
// error after the request was sent leaves the fill state unknown.
func classifyOrderStatus(status int) Class {
	c := classifyStatus(status)
	if c == ClassTransient && status != http.StatusTooManyRequests {
		return ClassAmbiguous
	}
	return c
}

// networkError wraps a transport-level failure. Dial failures never reached
// the broker and are safe to retry even for orders.
func networkError(op string, order bool, err error) *Error {
	class := ClassTransient
	if order && !isDialError(err) {
		class = ClassAmbiguous
	}
	if errors.Is(err, context.Canceled) {
		class = ClassFatal
		if order {
			class = ClassAmbiguous
		}
	}
	return &Error{Op: op, Class: class, Err: err}
}

func isDialError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}
