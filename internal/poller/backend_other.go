// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

//go:build unix && !linux

package poller

import "fmt"

func newBackend(kind Kind) (backend, error) {
	switch kind {
	case Default, Poll:
		return newPoll(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, kind)
}
