package dhash

import "github.com/chordring/chorddht/chord"

// kind distinguishes why a DHash operation is in flight, so its
// resolution (success, failure, or ownership handoff cleanup) is
// handled correctly.
type kind uint8

const (
	kindInsert kind = iota
	kindRetrieve
	kindTransfer // internal re-replication on ownership handoff or audit
)

// pendingLookup is kept while waiting on a Chord lookup (tagged
// OBJECT-LAYER) to resolve an object's owner, keyed by object id per
// §4.6 ("the matching transactions (by object id)").
type pendingLookup struct {
	kind     kind
	objectID chord.Identifier
	data     []byte // payload for Insert/Transfer; nil for Retrieve
}

// inflightRequest is kept while waiting on a Store-Rsp/Retrieve-Rsp
// from a peer over an open Conn, keyed by the DHash transaction id
// minted for that stream request.
type inflightRequest struct {
	kind     kind
	objectID chord.Identifier
	conn     *Conn
	data     []byte // payload sent with a Store-Req; nil for Retrieve
}

// transactionTable tracks both phases of an in-flight DHash operation.
type transactionTable struct {
	next    uint32
	pending map[string]*pendingLookup // keyed by object id bytes
	inflight map[uint32]*inflightRequest
}

func newTransactionTable() *transactionTable {
	return &transactionTable{
		pending:  make(map[string]*pendingLookup),
		inflight: make(map[uint32]*inflightRequest),
	}
}

func (t *transactionTable) allocate() uint32 {
	id := t.next
	t.next++
	return id
}

func (t *transactionTable) registerPending(p *pendingLookup) {
	t.pending[key(p.objectID)] = p
}

func (t *transactionTable) takePending(id chord.Identifier) (*pendingLookup, bool) {
	k := key(id)
	p, ok := t.pending[k]
	if ok {
		delete(t.pending, k)
	}
	return p, ok
}

func (t *transactionTable) registerInflight(txID uint32, r *inflightRequest) {
	t.inflight[txID] = r
}

func (t *transactionTable) takeInflight(txID uint32) (*inflightRequest, bool) {
	r, ok := t.inflight[txID]
	if ok {
		delete(t.inflight, txID)
	}
	return r, ok
}

// dropInflightForConn removes and returns every inflight request that
// was waiting on conn, for a caller to fail after a connection reset.
func (t *transactionTable) dropInflightForConn(conn *Conn) []*inflightRequest {
	var dropped []*inflightRequest
	for id, r := range t.inflight {
		if r.conn == conn {
			dropped = append(dropped, r)
			delete(t.inflight, id)
		}
	}
	return dropped
}
