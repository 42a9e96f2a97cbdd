package chord

import "time"

// Originator tags which layer is waiting on a Lookup's outcome, so the
// response (or its failure) can be routed to the right upcall path
// (§4.3, §9 "Originator of a Chord lookup").
type Originator uint8

const (
	OriginatorApplication Originator = iota
	OriginatorObjectLayer
)

// transactionKind distinguishes the retry/failure semantics of §4.7:
// a Join failure reports VNODE-FAILURE and deletes the VNode; a
// Lookup failure reports LOOKUP-FAILURE to the originator.
type transactionKind uint8

const (
	txKindJoin transactionKind = iota
	txKindLookup
)

// transaction is the per-request retry/timeout bookkeeping of §4.5.
// Transaction ids are unique per VNode, not globally: the receiver
// echoes the id verbatim and the response is addressed back to the
// requestor, so the (vnode, txid) pair disambiguates.
type transaction struct {
	id          uint32
	kind        transactionKind
	message     *Message
	destination *NodeRecord
	requestedID Identifier
	originator  Originator

	retries    int
	maxRetries int
	timeout    time.Duration
	timer      *time.Timer
}

// transactionTable holds a VNode's outstanding transactions keyed by id.
type transactionTable struct {
	next uint32
	txs  map[uint32]*transaction
}

func newTransactionTable() *transactionTable {
	return &transactionTable{txs: make(map[uint32]*transaction)}
}

// allocate reserves the next transaction id. Ids are monotonic per
// VNode and wrap at 2^32; per §8 invariant 6 they must not collide
// within a single wrap, which holds as long as fewer than 2^32
// transactions are ever concurrently outstanding.
func (t *transactionTable) allocate() uint32 {
	id := t.next
	t.next++
	return id
}

func (t *transactionTable) register(tx *transaction) {
	t.txs[tx.id] = tx
}

func (t *transactionTable) get(id uint32) (*transaction, bool) {
	tx, ok := t.txs[id]
	return tx, ok
}

// cancel stops tx's timer (if any) and removes it from the table.
// Matches §4.5: "Response reception cancels the timer before the
// upcall."
func (t *transactionTable) cancel(id uint32) {
	if tx, ok := t.txs[id]; ok {
		if tx.timer != nil {
			tx.timer.Stop()
		}
		delete(t.txs, id)
	}
}

// cancelAll stops every outstanding transaction's timer, used when a
// VNode is destroyed (§5 "Shutting down a VNode cancels every one of
// its transactions").
func (t *transactionTable) cancelAll() {
	for id := range t.txs {
		t.cancel(id)
	}
}
