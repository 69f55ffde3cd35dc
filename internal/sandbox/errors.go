package sandbox

import "errors"

// ErrConnectTimeout is returned when a sandbox's bridge socket never
// becomes connectable within the configured timeout, spec.md §4.3
// "connect_timeout".
var ErrConnectTimeout = errors.New("connect_timeout")
