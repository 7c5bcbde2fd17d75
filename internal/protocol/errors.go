package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// World routing/state.
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"
	ErrOutOfBounds   = "E_OUT_OF_BOUNDS"

	// Request layer.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrUnknownBlock = "E_UNKNOWN_BLOCK"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrWorldNotFound:   {},
	ErrOutOfBounds:     {},
	ErrBadRequest:      {},
	ErrUnknownBlock:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
