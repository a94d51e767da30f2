// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package signaler

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// New constructs a new Signaler backed by an eventfd.
func New() (*Signaler, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	return &Signaler{r: fd, w: fd}, nil
}

// Send adds a pending signal.
func (s *Signaler) Send() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	retry(s.w, unix.POLLOUT, func() error {
		_, err := unix.Write(s.w, buf[:])
		return err
	})
}

// Recv consumes one pending signal, blocking until one is available.
func (s *Signaler) Recv() {
	var buf [8]byte
	retry(s.r, unix.POLLIN, func() error {
		_, err := unix.Read(s.r, buf[:])
		return err
	})

	// The counter may have accumulated more than one signal. Put back all
	// but the one consumed here.
	if n := binary.NativeEndian.Uint64(buf[:]); n > 1 {
		binary.NativeEndian.PutUint64(buf[:], n-1)
		retry(s.w, unix.POLLOUT, func() error {
			_, err := unix.Write(s.w, buf[:])
			return err
		})
	}
}
