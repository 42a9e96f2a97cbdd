package dhash

import "github.com/pkg/errors"

var (
	ErrObjectNotFound  = errors.New("dhash: object not found")
	ErrStoreFailure    = errors.New("dhash: peer rejected store")
	ErrConnectionReset = errors.New("dhash: connection reset with transactions in flight")
	ErrLookupFailure   = errors.New("dhash: chord lookup for object owner failed")
)
