package chord

import "github.com/pkg/errors"

// Error kinds the core must distinguish (§7). Peer misbehaviour never
// crashes the engine; only internal invariant violations do (and those
// are caught as panics in tests, never in production paths).
var (
	ErrNoLocalVnode        = errors.New("chord: no local vnode can answer this request")
	ErrTransactionExpired  = errors.New("chord: late response for unknown or expired transaction")
	ErrVnodeFailure        = errors.New("chord: vnode join failed after max retries")
	ErrLookupFailure       = errors.New("chord: lookup failed after max retries")
	ErrVnodeNotFound       = errors.New("chord: no such local vnode")
	ErrVnodeAlreadyExists  = errors.New("chord: vnode with that name already exists")
	ErrRingEmpty           = errors.New("chord: no routable node known")
)
