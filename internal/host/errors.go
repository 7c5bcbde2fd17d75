package host

import (
	"errors"

	"strataguard/internal/protocol"
)

var (
	ErrUnknownConn  = errors.New("unknown connection")
	ErrUnknownWorld = errors.New("unknown world")
	ErrUnknownBlock = errors.New("unknown block")
	ErrFillSpan     = errors.New("fill must stay inside one section")
	ErrWrongWorld   = errors.New("connection is in another world")
)

// ErrorCode maps host errors to transport error codes.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownWorld):
		return protocol.ErrWorldNotFound
	case errors.Is(err, ErrOutOfBounds):
		return protocol.ErrOutOfBounds
	case errors.Is(err, ErrUnknownBlock):
		return protocol.ErrUnknownBlock
	case errors.Is(err, ErrFillSpan), errors.Is(err, ErrWrongWorld), errors.Is(err, ErrUnknownConn):
		return protocol.ErrBadRequest
	default:
		return protocol.ErrInternal
	}
}
