package chord

import (
	"time"
)

// VNode is a single Chord participant hosted by this process (§3). A
// host may run many; each owns its own successor list, predecessor
// list, finger table, and transaction map. Per the design note in
// spec §9, successor/predecessor entries are freshly copied
// NodeRecord values, never shared pointers into another VNode's state.
type VNode struct {
	id   Identifier
	name string

	engine *Engine

	successors   []*NodeRecord
	predecessors []*NodeRecord

	fingerTable   *NodeTable
	fingerTargets []Identifier

	txs      *transactionTable
	routable bool

	// bootstrap marks the lone bootstrap VNode, which is never removed
	// even if its successor list empties (§3 "Lifecycles").
	bootstrap bool
}

// newVNode constructs a VNode with successor=predecessor=self and
// routable=false, per §3 "Lifecycles", precomputing its m finger
// targets self_id + 2^i.
func newVNode(e *Engine, name string, id Identifier) *VNode {
	vn := &VNode{
		id:          id,
		name:        name,
		engine:      e,
		fingerTable: NewNodeTable(),
		txs:         newTransactionTable(),
	}
	self := vn.selfRecord()
	vn.successors = []*NodeRecord{self}
	vn.predecessors = []*NodeRecord{self}

	vn.fingerTargets = make([]Identifier, e.conf.HashBits)
	for i := 0; i < e.conf.HashBits; i++ {
		vn.fingerTargets[i] = id.AddPowerOfTwo(i)
	}
	return vn
}

// selfRecord builds a fresh NodeRecord describing this VNode, using the
// host-wide address information held by the engine.
func (vn *VNode) selfRecord() *NodeRecord {
	return &NodeRecord{
		ID:         vn.id.Clone(),
		Name:       vn.name,
		IP:         vn.engine.ip,
		ChordPort:  vn.engine.chordPort,
		AppPort:    vn.engine.appPort,
		ObjectPort: vn.engine.objectPort,
		LastSeen:   time.Now(),
		Routable:   vn.routable,
	}
}

func (vn *VNode) successor() *NodeRecord   { return vn.successors[0] }
func (vn *VNode) predecessor() *NodeRecord { return vn.predecessors[0] }

// Owns reports whether key falls in this VNode's owned arc
// (predecessor, self], the ownership predicate of §3 invariant 2 and
// the GLOSSARY's "Owner of a key".
func (vn *VNode) Owns(key Identifier) bool {
	return key.InBetween(vn.predecessor().ID, vn.id)
}

// ---- Join ----

// startJoin issues a Join-Req toward the nearest local routable VNode's
// successor, or the configured bootstrap address if none exists, and
// registers a retryable transaction.
func (vn *VNode) startJoin() {
	dest, ok := vn.engine.routeFor(vn.id, vn)
	if !ok {
		vn.engine.logger.Warn("join: no route available, dropping", "vnode", vn.name)
		return
	}
	msg := &Message{
		Type:          MsgJoinReq,
		TTL:           vn.engine.conf.DefaultTTL,
		Requestor:     vn.selfRecord(),
	}
	tx := &transaction{
		kind:        txKindJoin,
		message:     msg,
		destination: dest,
		requestedID: vn.id,
		originator:  OriginatorApplication,
		maxRetries:  vn.engine.conf.RequestMaxRetries,
		timeout:     vn.engine.conf.RequestTimeout,
	}
	vn.registerAndSend(tx)
}

// registerAndSend allocates a transaction id, wires its type-specific
// timer, and transmits the initial request.
func (vn *VNode) registerAndSend(tx *transaction) {
	tx.id = vn.txs.allocate()
	tx.message.TransactionID = tx.id
	vn.txs.register(tx)
	vn.engine.transmit(tx.destination.ChordAddr(), tx.message)
	vn.scheduleTimeout(tx)
}

func (vn *VNode) scheduleTimeout(tx *transaction) {
	tx.timer = time.AfterFunc(tx.timeout, func() {
		vn.engine.submit(func() { vn.handleTimeout(tx.id) })
	})
}

func (vn *VNode) handleTimeout(txID uint32) {
	tx, ok := vn.txs.get(txID)
	if !ok {
		return // already resolved
	}
	if tx.retries < tx.maxRetries {
		tx.retries++
		vn.engine.transmit(tx.destination.ChordAddr(), tx.message)
		vn.scheduleTimeout(tx)
		return
	}

	vn.txs.cancel(txID)
	switch tx.kind {
	case txKindJoin:
		vn.engine.logger.Error("join failed after max retries", "vnode", vn.name)
		if vn.engine.delegate != nil {
			vn.engine.delegate.VnodeFailure(vn.name, vn.id)
		}
		vn.engine.destroyVNode(vn.name)
	case txKindLookup:
		vn.engine.logger.Warn("lookup failed after max retries", "vnode", vn.name, "key", tx.requestedID.String())
		vn.engine.reportLookupFailure(tx)
	}
}

// handleJoinReq answers a Join-Req if some local VNode owns the
// requestor's id; otherwise forwards it unaltered toward that id.
func (e *Engine) handleJoinReq(msg *Message) {
	if len(e.vnodes) == 0 {
		return
	}
	if owner := e.findOwner(msg.Requestor.ID); owner != nil {
		rsp := &Message{
			Type:          MsgJoinRsp,
			TTL:           e.conf.DefaultTTL,
			TransactionID: msg.TransactionID,
			Requestor:     msg.Requestor,
			JoinRsp:       &JoinRspPayload{Successor: owner.selfRecord()},
		}
		e.transmit(msg.Requestor.ChordAddr(), rsp)
		return
	}
	e.forward(msg, msg.Requestor.ID)
}

func (vn *VNode) handleJoinRsp(msg *Message) {
	tx, ok := vn.txs.get(msg.TransactionID)
	if !ok || tx.kind != txKindJoin {
		return // TransactionExpired: late or unknown, drop
	}
	vn.txs.cancel(msg.TransactionID)
	vn.successors[0] = msg.JoinRsp.Successor
	vn.routable = true
	vn.doStabilize()
	vn.doFixFinger()
	if vn.engine.delegate != nil {
		vn.engine.delegate.JoinSuccess(vn.name, vn.id)
	}
}

// ---- Lookup ----

// startLookup issues a Lookup-Req for key, tagging the transaction with
// originator so the eventual success/failure routes to the right
// upcall path.
func (vn *VNode) startLookup(key Identifier, originator Originator) {
	dest, ok := vn.engine.routeFor(key, nil)
	if !ok {
		vn.engine.logger.Warn("lookup: no route available", "key", key.String())
		if originator == OriginatorApplication && vn.engine.delegate != nil {
			vn.engine.delegate.LookupFailure(key)
		} else if vn.engine.objectLayer != nil {
			vn.engine.objectLayer.LookupResult(key, originator, false, nil)
		}
		return
	}
	msg := &Message{
		Type:      MsgLookupReq,
		TTL:       vn.engine.conf.DefaultTTL,
		Requestor: vn.selfRecord(),
		LookupReq: &LookupReqPayload{RequestedID: key},
	}
	tx := &transaction{
		kind:        txKindLookup,
		message:     msg,
		destination: dest,
		requestedID: key,
		originator:  originator,
		maxRetries:  vn.engine.conf.RequestMaxRetries,
		timeout:     vn.engine.conf.RequestTimeout,
	}
	vn.registerAndSend(tx)
}

func (e *Engine) handleLookupReq(msg *Message) {
	if len(e.vnodes) == 0 {
		return
	}
	key := msg.LookupReq.RequestedID
	if owner := e.findOwner(key); owner != nil {
		rsp := &Message{
			Type:          MsgLookupRsp,
			TTL:           e.conf.DefaultTTL,
			TransactionID: msg.TransactionID,
			Requestor:     msg.Requestor,
			LookupRsp:     &LookupRspPayload{Resolved: owner.selfRecord()},
		}
		e.transmit(msg.Requestor.ChordAddr(), rsp)
		return
	}
	e.forward(msg, key)
}

func (vn *VNode) handleLookupRsp(msg *Message) {
	tx, ok := vn.txs.get(msg.TransactionID)
	if !ok || tx.kind != txKindLookup {
		return
	}
	vn.txs.cancel(msg.TransactionID)
	resolved := msg.LookupRsp.Resolved
	if tx.originator == OriginatorApplication {
		if vn.engine.delegate != nil {
			vn.engine.delegate.LookupSuccess(tx.requestedID, resolved.IP.String(), resolved.AppPort)
		}
	} else if vn.engine.objectLayer != nil {
		vn.engine.objectLayer.LookupResult(tx.requestedID, tx.originator, true, resolved)
	}
}

// ---- Stabilize ----

func (vn *VNode) doStabilize() {
	succ := vn.successor()
	if succ.ID.Equal(vn.id) {
		return // alone; nothing to stabilize against
	}

	missWindow := time.Duration(vn.engine.conf.MissedBeatsThreshold) * vn.engine.conf.StabilizeInterval
	if time.Since(succ.LastSeen) > missWindow {
		vn.successors = vn.successors[1:]
		if len(vn.successors) == 0 {
			if vn.bootstrap {
				self := vn.selfRecord()
				self.Routable = false
				vn.successors = []*NodeRecord{self}
				vn.predecessors = []*NodeRecord{self}
				vn.routable = false
				return
			}
			vn.engine.logger.Warn("successor list exhausted, vnode failed", "vnode", vn.name)
			if vn.engine.delegate != nil {
				vn.engine.delegate.VnodeFailure(vn.name, vn.id)
			}
			vn.engine.destroyVNode(vn.name)
			return
		}
		succ = vn.successor()
	}

	msg := &Message{
		Type:         MsgStabilizeReq,
		TTL:          vn.engine.conf.DefaultTTL,
		Requestor:    vn.selfRecord(),
		StabilizeReq: &StabilizeReqPayload{SuccessorID: succ.ID},
	}
	vn.engine.transmit(succ.ChordAddr(), msg)
}

func (e *Engine) handleStabilizeReq(msg *Message) {
	vn, ok := e.vnodeByID(msg.StabilizeReq.SuccessorID)
	if !ok {
		return
	}
	requestor := msg.Requestor
	if requestor.ID.InBetween(vn.predecessor().ID, vn.id) {
		oldPred := vn.predecessor()
		vn.predecessors[0] = requestor
		if vn.successor().ID.Equal(vn.id) {
			vn.successors[0] = requestor
			vn.routable = true
			vn.doStabilize()
			vn.doFixFinger()
		}
		e.emitKeyOwnership(vn, requestor.ID, oldPred.ID)
	}

	rsp := &Message{
		Type:          MsgStabilizeRsp,
		TTL:           e.conf.DefaultTTL,
		TransactionID: msg.TransactionID,
		Requestor:     requestor,
		StabilizeRsp: &StabilizeRspPayload{
			Predecessor:   vn.predecessor(),
			SuccessorList: vn.successors,
		},
	}
	e.transmit(requestor.ChordAddr(), rsp)
}

func (e *Engine) handleStabilizeRsp(msg *Message) {
	vn, ok := e.vnodeByID(msg.Requestor.ID)
	if !ok {
		return
	}
	pred := msg.StabilizeRsp.Predecessor
	if !pred.ID.Equal(vn.id) {
		vn.successors[0] = pred
		vn.routable = true
		vn.doStabilize()
		return
	}

	vn.successors[0].LastSeen = time.Now()
	max := e.conf.SuccessorListMax
	merged := []*NodeRecord{vn.successors[0]}
	for _, s := range msg.StabilizeRsp.SuccessorList {
		if s.ID.Equal(vn.id) || len(merged) >= max {
			break
		}
		merged = append(merged, s)
	}
	vn.successors = merged
}

// ---- Heartbeat ----

func (vn *VNode) doHeartbeat() {
	pred := vn.predecessor()
	if pred.ID.Equal(vn.id) {
		return
	}

	missWindow := time.Duration(vn.engine.conf.MissedBeatsThreshold) * vn.engine.conf.HeartbeatInterval
	if time.Since(pred.LastSeen) > missWindow {
		vn.predecessors = vn.predecessors[1:]
		if len(vn.predecessors) == 0 {
			self := vn.selfRecord()
			vn.predecessors = []*NodeRecord{self}
			return
		}
		oldPred := pred
		newPred := vn.predecessor()
		vn.engine.emitKeyOwnership(vn, newPred.ID, oldPred.ID)
		pred = newPred
	}

	msg := &Message{
		Type:         MsgHeartbeatReq,
		TTL:          vn.engine.conf.DefaultTTL,
		Requestor:    vn.selfRecord(),
		HeartbeatReq: &HeartbeatReqPayload{PredecessorID: pred.ID},
	}
	vn.engine.transmit(pred.ChordAddr(), msg)
}

func (e *Engine) handleHeartbeatReq(msg *Message) {
	vn, ok := e.vnodeByID(msg.HeartbeatReq.PredecessorID)
	if !ok {
		return
	}
	rsp := &Message{
		Type:          MsgHeartbeatRsp,
		TTL:           e.conf.DefaultTTL,
		TransactionID: msg.TransactionID,
		Requestor:     msg.Requestor,
		HeartbeatRsp: &HeartbeatRspPayload{
			Successor:       vn.successor(),
			PredecessorList: vn.predecessors,
		},
	}
	e.transmit(msg.Requestor.ChordAddr(), rsp)
}

func (e *Engine) handleHeartbeatRsp(msg *Message) {
	vn, ok := e.vnodeByID(msg.Requestor.ID)
	if !ok {
		return
	}
	vn.predecessors[0].LastSeen = time.Now()
	max := e.conf.PredecessorListMax
	merged := []*NodeRecord{vn.predecessors[0]}
	for _, p := range msg.HeartbeatRsp.PredecessorList {
		if p.ID.Equal(vn.id) || len(merged) >= max {
			break
		}
		merged = append(merged, p)
	}
	vn.predecessors = merged
}

// ---- FixFinger ----

func (vn *VNode) doFixFinger() {
	vn.fingerTable.Audit(vn.engine.conf.FixFingerInterval)

	for _, target := range vn.fingerTargets {
		succ := vn.successor()
		if target.InBetween(vn.id, succ.ID) {
			vn.fingerTable.Upsert(succ.Clone())
			continue
		}
		if vn.engine.findOwner(target) != nil {
			continue
		}
		msg := &Message{
			Type:      MsgFingerReq,
			TTL:       vn.engine.conf.DefaultTTL,
			Requestor: vn.selfRecord(),
			FingerReq: &FingerReqPayload{RequestedID: target},
		}
		vn.engine.transmit(succ.ChordAddr(), msg)
	}
}

func (e *Engine) handleFingerReq(msg *Message) {
	if len(e.vnodes) == 0 {
		return
	}
	target := msg.FingerReq.RequestedID
	if owner := e.findOwner(target); owner != nil {
		rsp := &Message{
			Type:          MsgFingerRsp,
			TTL:           e.conf.DefaultTTL,
			TransactionID: msg.TransactionID,
			Requestor:     msg.Requestor,
			FingerRsp:     &FingerRspPayload{RequestedID: target, Finger: owner.selfRecord()},
		}
		e.transmit(msg.Requestor.ChordAddr(), rsp)
		return
	}
	e.forward(msg, target)
}

func (e *Engine) handleFingerRsp(msg *Message) {
	vn, ok := e.vnodeByID(msg.Requestor.ID)
	if !ok {
		return
	}
	vn.fingerTable.Upsert(msg.FingerRsp.Finger)
}

// ---- Leave ----

// leave sends Leave-Req to both successor and predecessor, then
// deletes the VNode locally without waiting for a response.
func (vn *VNode) leave() {
	succ, pred := vn.successor(), vn.predecessor()
	msg := &Message{
		Type:      MsgLeaveReq,
		TTL:       vn.engine.conf.DefaultTTL,
		Requestor: vn.selfRecord(),
		LeaveReq:  &LeaveReqPayload{Successor: succ, Predecessor: pred},
	}
	vn.engine.transmit(succ.ChordAddr(), msg)
	if !pred.ID.Equal(succ.ID) {
		vn.engine.transmit(pred.ChordAddr(), msg)
	}
	vn.engine.objectLayerLeave(vn)
}

func (e *Engine) handleLeaveReq(msg *Message) {
	requestor := msg.Requestor
	succPayload := msg.LeaveReq.Successor
	predPayload := msg.LeaveReq.Predecessor

	if vnS, ok := e.vnodeByID(succPayload.ID); ok && vnS.predecessor().ID.Equal(requestor.ID) {
		oldPred := vnS.predecessor()
		vnS.predecessors[0] = predPayload
		e.emitKeyOwnership(vnS, predPayload.ID, oldPred.ID)

		rsp := &Message{
			Type:          MsgLeaveRsp,
			TTL:           e.conf.DefaultTTL,
			TransactionID: msg.TransactionID,
			Requestor:     requestor,
			LeaveRsp:      &LeaveRspPayload{Successor: succPayload, Predecessor: predPayload},
		}
		e.transmit(requestor.ChordAddr(), rsp)
	}

	if vnP, ok := e.vnodeByID(predPayload.ID); ok && vnP.successor().ID.Equal(requestor.ID) {
		vnP.successors[0] = succPayload
	}
}

func (e *Engine) handleLeaveRsp(msg *Message) {
	// The leaving VNode already handed its key range to the object
	// layer in leave(); this is observational only.
	e.logger.Debug("leave-rsp received", "successor", msg.LeaveRsp.Successor.ID.String())
}

// ---- TraceRing ----

func (vn *VNode) startTraceRing() {
	msg := &Message{
		Type:      MsgTraceRing,
		TTL:       vn.engine.conf.DefaultTTL,
		Requestor: vn.selfRecord(),
		TraceRing: &TraceRingPayload{SuccessorID: vn.id},
	}
	vn.engine.transmit(vn.successor().ChordAddr(), msg)
}

func (e *Engine) handleTraceRing(msg *Message) {
	target := msg.TraceRing.SuccessorID
	vn, ok := e.vnodeByID(target)
	if !ok {
		return
	}
	if msg.Requestor.ID.Equal(vn.id) {
		return // full circle back to the originator: drop
	}
	if e.delegate != nil {
		e.delegate.TraceRing(vn.name, vn.id)
	}
	if msg.TTL == 0 {
		e.logger.Warn("dropping message with expired ttl", "type", msg.Type.String())
		return
	}
	fwd := &Message{
		Type:      MsgTraceRing,
		TTL:       msg.TTL - 1,
		Requestor: msg.Requestor,
		TraceRing: &TraceRingPayload{SuccessorID: vn.successor().ID},
	}
	e.transmit(vn.successor().ChordAddr(), fwd)
}
