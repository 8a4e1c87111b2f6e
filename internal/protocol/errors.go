package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrUnknownStrategy = "E_UNKNOWN_STRATEGY"
	ErrRateLimit       = "E_RATE_LIMIT"

	// Planning outcomes reported alongside an empty schedule.
	ErrMalformedSnapshot = "E_MALFORMED_SNAPSHOT"
	ErrSchedulePending   = "E_SCHEDULE_PENDING"
	ErrNoPlan            = "E_NO_PLAN"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrProtoVersion:      {},
	ErrBadRequest:        {},
	ErrUnknownStrategy:   {},
	ErrRateLimit:         {},
	ErrMalformedSnapshot: {},
	ErrSchedulePending:   {},
	ErrNoPlan:            {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
