package chat

import "errors"

// ErrUnauthenticated is returned when an event arrives on a connection that
// has not bound a user identity via identify.
var ErrUnauthenticated = errors.New("chat: connection not identified")
