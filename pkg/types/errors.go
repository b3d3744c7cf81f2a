package types

import "errors"

// ErrUnknownLockKind is returned by ParseLockKind for any string other than
// "READ" or "WRITE".
var ErrUnknownLockKind = errors.New("types: unknown lock kind")
