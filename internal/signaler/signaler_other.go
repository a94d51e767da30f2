// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

//go:build unix && !linux

package signaler

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// New constructs a new Signaler backed by a connected socket pair.
func New() (*Signaler, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create socketpair: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("set nonblocking: %w", err)
		}
	}
	return &Signaler{r: fds[0], w: fds[1]}, nil
}

// Send adds a pending signal.
func (s *Signaler) Send() {
	retry(s.w, unix.POLLOUT, func() error {
		_, err := unix.Write(s.w, []byte{0})
		return err
	})
}

// Recv consumes one pending signal, blocking until one is available.
func (s *Signaler) Recv() {
	var buf [1]byte
	retry(s.r, unix.POLLIN, func() error {
		_, err := unix.Read(s.r, buf[:])
		return err
	})
}
