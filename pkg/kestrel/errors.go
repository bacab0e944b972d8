package kestrel

import "errors"

// ErrHandler wraps any non-HTTPError value a Handler returns, so the
// OnException/errorHandler chain can classify it with errors.Is instead of
// matching on dynamic type alone (spec.md §7 Handler error kind). HTTPError
// values are left unwrapped since they already carry an explicit status.
var ErrHandler = errors.New("kestrel: handler error")
