// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import "errors"

var (
	// ErrAgain is reported by a non-blocking operation that cannot complete
	// without waiting, or by a blocking operation whose timeout expired.
	// It is not a failure; the caller may retry.
	ErrAgain = errors.New("resource temporarily unavailable")

	// ErrTerminated is reported by socket operations once the context that
	// owns the socket has begun to terminate. The socket should be closed.
	ErrTerminated = errors.New("context was terminated")

	// ErrTooManySockets is reported when a context has no free socket slot.
	ErrTooManySockets = errors.New("too many open sockets")

	// ErrAddrInUse is reported when binding an address that is already bound.
	ErrAddrInUse = errors.New("address already in use")

	// ErrConnRefused is reported when connecting to an in-process endpoint
	// that has not been bound.
	ErrConnRefused = errors.New("connection refused")

	// ErrNotSupported is reported for an operation the socket type does not
	// support, such as receiving on a PUB socket.
	ErrNotSupported = errors.New("operation not supported by socket type")

	// ErrInvalid is reported for a malformed argument.
	ErrInvalid = errors.New("invalid argument")

	// ErrProtocol is reported for an address with an unknown transport.
	ErrProtocol = errors.New("protocol not supported")

	// ErrFSM is reported when a request/reply socket is used out of order.
	ErrFSM = errors.New("operation cannot be performed in the current socket state")

	// ErrClosed is reported when a closed socket or a terminated context is
	// used.
	ErrClosed = errors.New("use of a closed socket or context")

	// ErrNoIOThread is reported when a network endpoint is requested but the
	// context has no I/O thread eligible to serve it.
	ErrNoIOThread = errors.New("no I/O thread available")
)
