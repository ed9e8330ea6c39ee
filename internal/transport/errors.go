package transport

import "errors"

// ErrProtocolViolation is returned when a magic word fails validation; per
// §7 the message is simply dropped by the caller.
var ErrProtocolViolation = errors.New("transport: protocol violation")
