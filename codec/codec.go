// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package codec sends and receives typed values as message parts.
//
// Values may be []byte or string, or a type that supports one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces. Received
// values may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
package codec

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/creachadair/xroads"
)

// Send encodes v and sends it on s as a message part.
func Send(s *xroads.Socket, v any, flags xroads.Flags) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	return s.Send(data, flags)
}

// Recv receives a message part from s and decodes it as a value of type T.
func Recv[T any](s *xroads.Socket, flags xroads.Flags) (T, error) {
	var v T
	data, err := s.Recv(flags)
	if err != nil {
		return v, err
	}
	if err := unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Call sends p as a request on s, which must be a REQ socket, and waits for
// a reply of type R.
func Call[P, R any](s *xroads.Socket, p P) (R, error) {
	if err := Send(s, p, 0); err != nil {
		var zero R
		return zero, err
	}
	return Recv[R](s, 0)
}

// Reply receives a request of type P on s, which must be a REP socket, and
// replies with the result of f. If f reports an error, its text is sent in
// place of a result, and the error is returned.
func Reply[P, R any](s *xroads.Socket, f func(P) (R, error)) error {
	p, err := Recv[P](s, 0)
	if err != nil {
		return err
	}
	r, ferr := f(p)
	if ferr != nil {
		if err := s.Send([]byte(ferr.Error()), 0); err != nil {
			return err
		}
		return ferr
	}
	return Send(s, r, 0)
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface. If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot decode into %T: %w", v, xroads.ErrInvalid)
	}
	return nil
}

// marshal encodes v. A nil pointer to a string or []byte encodes as an empty
// part.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot encode %T: %w", v, xroads.ErrInvalid)
	}
}
