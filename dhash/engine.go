package dhash

import (
	"net"
	"time"

	"github.com/chordring/chorddht/chord"
	"github.com/hashicorp/go-hclog"
)

// Engine is the single-goroutine actor owning this host's object
// store, connection pool, and outstanding DHash transactions (§4.6).
// It consults and is notified by a chord.Engine through the narrow
// chord.ObjectLayer interface, which it implements; upcalls arriving
// from the Chord engine's own goroutine are re-marshalled onto this
// engine's loop via submit, exactly as the Chord engine does for its
// own timers and socket reads.
type Engine struct {
	conf   *Config
	logger hclog.Logger
	chord  *chord.Engine

	delegate Delegate

	store *Store
	pool  *Pool
	txs   *transactionTable

	listener net.Listener

	work chan func()
	stop chan struct{}
	done chan struct{}
}

// NewEngine constructs a DHash engine riding on chordEngine.
func NewEngine(conf *Config, chordEngine *chord.Engine, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		conf:   conf,
		logger: logger,
		chord:  chordEngine,
		store:  NewStore(),
		pool:   NewPool(),
		txs:    newTransactionTable(),
		work:   make(chan func(), 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetDelegate wires the upcall receiver. Must be called before Start.
func (e *Engine) SetDelegate(d Delegate) { e.delegate = d }

// Start launches the accept loop (if listener != nil) and the
// engine's processing goroutine.
func (e *Engine) Start(listener net.Listener) {
	e.listener = listener
	if listener != nil {
		go e.acceptLoop()
	}
	go e.run()
}

// Shutdown stops the engine's goroutines and closes its listener.
func (e *Engine) Shutdown() {
	if e.listener != nil {
		e.listener.Close()
	}
	close(e.stop)
	<-e.done
}

func (e *Engine) submit(fn func()) {
	select {
	case e.work <- fn:
	case <-e.stop:
	}
}

func (e *Engine) run() {
	defer close(e.done)

	reap := time.NewTicker(e.conf.InactivityTimeout)
	audit := time.NewTicker(e.conf.AuditInterval)
	defer reap.Stop()
	defer audit.Stop()

	for {
		select {
		case <-e.stop:
			return
		case fn := <-e.work:
			fn()
		case <-reap.C:
			for _, c := range e.pool.ReapIdle(e.conf.InactivityTimeout) {
				e.failInflightOnConn(c)
			}
		case <-audit.C:
			e.auditTick()
		}
	}
}

func (e *Engine) acceptLoop() {
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				e.logger.Error("accept failed", "error", err)
				continue
			}
		}
		peer := nc.RemoteAddr().String()
		conn := NewConn(nc, peer, e.onMessage, e.onConnClosed)
		e.submit(func() { e.pool.Add(peer, conn) })
	}
}

func (e *Engine) onMessage(c *Conn, msg *Message) {
	e.submit(func() { e.handleMessage(c, msg) })
}

func (e *Engine) onConnClosed(c *Conn, cause error) {
	e.submit(func() {
		e.pool.Remove(c)
		e.failInflightOnConn(c)
	})
}

func (e *Engine) failInflightOnConn(c *Conn) {
	for _, r := range e.txs.dropInflightForConn(c) {
		e.failInflight(r)
	}
}

func (e *Engine) failInflight(r *inflightRequest) {
	switch r.kind {
	case kindInsert:
		if e.delegate != nil {
			e.delegate.InsertFailure(r.objectID)
		}
	case kindRetrieve:
		if e.delegate != nil {
			e.delegate.RetrieveFailure(r.objectID)
		}
	case kindTransfer:
		e.logger.Warn("ownership transfer failed, object retained locally", "id", r.objectID.String())
	}
}

func (e *Engine) handleMessage(c *Conn, msg *Message) {
	switch msg.Type {
	case MsgStoreReq:
		e.handleStoreReq(c, msg)
	case MsgStoreRsp:
		e.handleStoreRsp(msg)
	case MsgRetrieveReq:
		e.handleRetrieveReq(c, msg)
	case MsgRetrieveRsp:
		e.handleRetrieveRsp(msg)
	}
}

// handleStoreReq accepts every Store-Req unconditionally and reports
// success, per the documented decision to accept-and-audit rather
// than reject with NOT_OWNER: the periodic audit and KEY-OWNERSHIP
// handoff logic are what keep stored objects converged on their true
// owner, not per-request rejection.
func (e *Engine) handleStoreReq(c *Conn, msg *Message) {
	obj := msg.StoreReq.Object
	e.store.Put(&Object{ID: obj.ID, Data: obj.Data})
	rsp := &Message{
		Type:          MsgStoreRsp,
		TransactionID: msg.TransactionID,
		StoreRsp:      &StoreRspPayload{Status: StatusStoreSuccess, ObjectID: obj.ID},
	}
	c.Send(rsp)
}

func (e *Engine) handleStoreRsp(msg *Message) {
	r, ok := e.txs.takeInflight(msg.TransactionID)
	if !ok {
		return
	}
	success := msg.StoreRsp.Status == StatusStoreSuccess
	switch r.kind {
	case kindInsert:
		if success {
			if e.delegate != nil {
				e.delegate.InsertSuccess(r.objectID, r.data)
			}
		} else if e.delegate != nil {
			e.delegate.InsertFailure(r.objectID)
		}
	case kindTransfer:
		if success {
			e.store.Delete(r.objectID)
		} else {
			e.logger.Warn("peer rejected ownership transfer", "id", r.objectID.String())
		}
	}
}

func (e *Engine) handleRetrieveReq(c *Conn, msg *Message) {
	id := msg.RetrieveReq.ObjectID
	rsp := &Message{Type: MsgRetrieveRsp, TransactionID: msg.TransactionID}
	if obj, ok := e.store.Get(id); ok {
		rsp.RetrieveRsp = &RetrieveRspPayload{Status: StatusObjectFound, Object: &Object{ID: obj.ID, Data: obj.Data}}
	} else {
		rsp.RetrieveRsp = &RetrieveRspPayload{Status: StatusObjectNotFound}
	}
	c.Send(rsp)
}

func (e *Engine) handleRetrieveRsp(msg *Message) {
	r, ok := e.txs.takeInflight(msg.TransactionID)
	if !ok || r.kind != kindRetrieve {
		return
	}
	if msg.RetrieveRsp.Status == StatusObjectFound && msg.RetrieveRsp.Object != nil {
		if e.delegate != nil {
			e.delegate.RetrieveSuccess(r.objectID, msg.RetrieveRsp.Object.Data)
		}
		return
	}
	if e.delegate != nil {
		e.delegate.RetrieveFailure(r.objectID)
	}
}

// ---- Public API ----

// Insert stores data under key, locally if owned, or via a Store-Req
// to the resolved owner otherwise (§4.6 "Insert flow").
func (e *Engine) Insert(key chord.Identifier, data []byte) error {
	result := make(chan error, 1)
	e.submit(func() {
		if e.chord.Owns(key) {
			e.store.Put(&Object{ID: key, Data: data})
			if e.delegate != nil {
				e.delegate.InsertSuccess(key, data)
			}
			result <- nil
			return
		}
		e.txs.registerPending(&pendingLookup{kind: kindInsert, objectID: key, data: data})
		result <- e.chord.LookupAny(key, chord.OriginatorObjectLayer)
	})
	return <-result
}

// Retrieve resolves key locally or via the owner's Retrieve-Req/Rsp
// exchange (§4.6 "Retrieve flow").
func (e *Engine) Retrieve(key chord.Identifier) error {
	result := make(chan error, 1)
	e.submit(func() {
		if e.chord.Owns(key) {
			if obj, ok := e.store.Get(key); ok {
				if e.delegate != nil {
					e.delegate.RetrieveSuccess(key, obj.Data)
				}
			} else if e.delegate != nil {
				e.delegate.RetrieveFailure(key)
			}
			result <- nil
			return
		}
		e.txs.registerPending(&pendingLookup{kind: kindRetrieve, objectID: key})
		result <- e.chord.LookupAny(key, chord.OriginatorObjectLayer)
	})
	return <-result
}

// LookupResult implements chord.ObjectLayer. It runs on the Chord
// engine's goroutine and must not touch DHash state directly.
func (e *Engine) LookupResult(requestedID chord.Identifier, originator chord.Originator, ok bool, resolved *chord.NodeRecord) {
	e.submit(func() {
		p, found := e.txs.takePending(requestedID)
		if !found {
			return
		}
		if !ok {
			switch p.kind {
			case kindInsert:
				if e.delegate != nil {
					e.delegate.InsertFailure(p.objectID)
				}
			case kindRetrieve:
				if e.delegate != nil {
					e.delegate.RetrieveFailure(p.objectID)
				}
			case kindTransfer:
				e.logger.Warn("lookup for transfer destination failed, object retained", "id", p.objectID.String())
			}
			return
		}
		e.sendToOwner(resolved, p)
	})
}

// KeyOwnershipTransfer implements chord.ObjectLayer. It runs on the
// Chord engine's goroutine and must not touch DHash state directly.
func (e *Engine) KeyOwnershipTransfer(selfID, newPredID, oldPredID chord.Identifier, newPred *chord.NodeRecord) {
	e.submit(func() {
		var toSend []*Object
		e.store.Each(func(o *Object) {
			if o.ID.InBetween(oldPredID, newPredID) {
				toSend = append(toSend, o)
			}
		})
		for _, o := range toSend {
			e.transferObject(o, newPred)
		}
	})
}

func (e *Engine) sendToOwner(owner *chord.NodeRecord, p *pendingLookup) {
	conn, err := e.connFor(owner)
	if err != nil {
		e.failInflight(&inflightRequest{kind: p.kind, objectID: p.objectID})
		return
	}
	txID := e.txs.allocate()
	switch p.kind {
	case kindInsert, kindTransfer:
		e.txs.registerInflight(txID, &inflightRequest{kind: p.kind, objectID: p.objectID, conn: conn, data: p.data})
		conn.Send(&Message{
			Type:          MsgStoreReq,
			TransactionID: txID,
			StoreReq:      &StoreReqPayload{Object: Object{ID: p.objectID, Data: p.data}},
		})
	case kindRetrieve:
		e.txs.registerInflight(txID, &inflightRequest{kind: kindRetrieve, objectID: p.objectID, conn: conn})
		conn.Send(&Message{
			Type:          MsgRetrieveReq,
			TransactionID: txID,
			RetrieveReq:   &RetrieveReqPayload{ObjectID: p.objectID},
		})
	}
}

func (e *Engine) transferObject(o *Object, dest *chord.NodeRecord) {
	conn, err := e.connFor(dest)
	if err != nil {
		e.logger.Warn("cannot open connection for ownership transfer", "dest", dest.ObjectAddr(), "error", err)
		return
	}
	txID := e.txs.allocate()
	e.txs.registerInflight(txID, &inflightRequest{kind: kindTransfer, objectID: o.ID, conn: conn, data: o.Data})
	conn.Send(&Message{
		Type:          MsgStoreReq,
		TransactionID: txID,
		StoreReq:      &StoreReqPayload{Object: Object{ID: o.ID, Data: o.Data}},
	})
}

func (e *Engine) connFor(node *chord.NodeRecord) (*Conn, error) {
	peer := node.ObjectAddr()
	if conn, ok := e.pool.Get(peer); ok {
		return conn, nil
	}
	nc, err := net.Dial("tcp", peer)
	if err != nil {
		return nil, err
	}
	conn := NewConn(nc, peer, e.onMessage, e.onConnClosed)
	e.pool.Add(peer, conn)
	return conn, nil
}

// auditTick re-launches a transfer for every locally stored object the
// host no longer owns (§4.6 "Periodic object audit"), catching cases
// where stabilization fixed a transient misownership without a direct
// KEY-OWNERSHIP event.
func (e *Engine) auditTick() {
	var stale []chord.Identifier
	e.store.Each(func(o *Object) {
		if !e.chord.Owns(o.ID) {
			stale = append(stale, o.ID)
		}
	})
	for _, id := range stale {
		if _, pending := e.txs.pending[key(id)]; pending {
			continue
		}
		obj, ok := e.store.Get(id)
		if !ok {
			continue
		}
		e.txs.registerPending(&pendingLookup{kind: kindTransfer, objectID: id, data: obj.Data})
		if err := e.chord.LookupAny(id, chord.OriginatorObjectLayer); err != nil {
			e.txs.takePending(id)
			e.logger.Warn("audit lookup failed", "id", id.String(), "error", err)
		}
	}
}

// Info is the read-only snapshot returned by DumpInfo.
type Info struct {
	ObjectCount     int
	OpenConnections int
}

// DumpInfo reports a snapshot of this engine's object store and
// connection pool, backing the DumpDHashInfo command (§6).
func (e *Engine) DumpInfo() Info {
	result := make(chan Info, 1)
	e.submit(func() {
		result <- Info{ObjectCount: e.store.Len(), OpenConnections: e.pool.Len()}
	})
	return <-result
}
