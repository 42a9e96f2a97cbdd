// Package chord implements the Chord ring protocol: identifier
// arithmetic on a circular key space, per-node routing state
// (successor list, predecessor list, finger table), and the
// asynchronous Join/Lookup/Stabilize/Heartbeat/FixFinger/Leave/
// TraceRing request-response protocol that keeps a ring converged
// under churn. It is tolerant of peer failure and message loss but
// does not itself store application data — see package dhash for the
// object layer that rides on top of a ring built from this package.
package chord

import (
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
)

// inboundPacket is a single UDP datagram read off the wire, handed from
// the reader goroutine to the engine's single processing goroutine.
type inboundPacket struct {
	data []byte
	from *net.UDPAddr
}

// Engine is the single-goroutine actor that owns every local VNode,
// the shared Chord UDP socket, and the three periodic protocol timers
// (§5). All ring state is touched exclusively from run's goroutine;
// every public method hands its work across a channel instead of
// locking, mirroring armon-go-chord's per-vnode schedule goroutines
// but centralized into one loop as spec'd.
type Engine struct {
	conf   *Config
	logger hclog.Logger

	ip         net.IP
	chordPort  uint16
	appPort    uint16
	objectPort uint16

	conn     *net.UDPConn
	sendHook func(addr *net.UDPAddr, data []byte)

	vnodes     map[string]*VNode
	vnodesByID map[string]*VNode

	delegate    Delegate
	objectLayer ObjectLayer

	detached bool

	work    chan func()
	packets chan inboundPacket
	stop    chan struct{}
	done    chan struct{}
}

// EngineParams bundles the per-host addressing triple used to build
// every local VNode's own NodeRecord.
type EngineParams struct {
	IP         net.IP
	ChordPort  uint16
	AppPort    uint16
	ObjectPort uint16
}

// NewEngine constructs an Engine bound to conn for Chord datagram I/O.
// conn may be nil in tests that only exercise in-process transitions;
// transmit then becomes a no-op logged at debug level.
func NewEngine(conf *Config, params EngineParams, logger hclog.Logger, conn *net.UDPConn) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		conf:       conf,
		logger:     logger,
		ip:         params.IP,
		chordPort:  params.ChordPort,
		appPort:    params.AppPort,
		objectPort: params.ObjectPort,
		conn:       conn,
		vnodes:     make(map[string]*VNode),
		vnodesByID: make(map[string]*VNode),
		work:       make(chan func(), 64),
		packets:    make(chan inboundPacket, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetDelegate wires the upcall receiver (§7). Must be called before
// Start.
func (e *Engine) SetDelegate(d Delegate) { e.delegate = d }

// SetObjectLayer wires the DHash engine's narrow Lookup-result
// callback. Must be called before Start.
func (e *Engine) SetObjectLayer(o ObjectLayer) { e.objectLayer = o }

// Start launches the read-loop (if conn != nil) and the processing
// goroutine. Call Shutdown to stop both.
func (e *Engine) Start() {
	if e.conn != nil {
		go e.readLoop()
	}
	go e.run()
}

// Shutdown cancels every VNode's transactions and stops the engine's
// goroutines. Safe to call once.
func (e *Engine) Shutdown() {
	close(e.stop)
	if e.conn != nil {
		e.conn.Close()
	}
	<-e.done
}

// submit enqueues fn to run on the engine's single goroutine. Safe to
// call from any goroutine, including timer callbacks.
func (e *Engine) submit(fn func()) {
	select {
	case e.work <- fn:
	case <-e.stop:
	}
}

// run is the engine's single cooperative event loop (§5): it
// serializes inbound packets, submitted closures, and the three
// periodic timers onto one goroutine, so VNode state never needs a
// mutex.
func (e *Engine) run() {
	defer close(e.done)

	stabilize := time.NewTicker(e.conf.StabilizeInterval)
	heartbeat := time.NewTicker(e.conf.HeartbeatInterval)
	defer stabilize.Stop()
	defer heartbeat.Stop()

	fixFinger := time.NewTimer(e.jitteredFixFingerInterval())
	defer fixFinger.Stop()

	for {
		select {
		case <-e.stop:
			for _, vn := range e.vnodes {
				vn.txs.cancelAll()
			}
			return
		case pkt := <-e.packets:
			e.handlePacket(pkt)
		case fn := <-e.work:
			fn()
		case <-stabilize.C:
			if e.detached {
				continue
			}
			for _, vn := range e.vnodes {
				vn.doStabilize()
			}
		case <-heartbeat.C:
			if e.detached {
				continue
			}
			for _, vn := range e.vnodes {
				vn.doHeartbeat()
			}
		case <-fixFinger.C:
			if !e.detached {
				for _, vn := range e.vnodes {
					vn.doFixFinger()
				}
			}
			fixFinger.Reset(e.jitteredFixFingerInterval())
		}
	}
}

// jitteredFixFingerInterval adds up to FixFingerJitterStd of jitter to
// FixFingerInterval so that many VNodes sharing a process don't probe
// in lockstep (§6 "fix-finger interval, jittered").
func (e *Engine) jitteredFixFingerInterval() time.Duration {
	base := e.conf.FixFingerInterval
	jitter := e.conf.FixFingerJitterStd
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(pseudoJitter(time.Now().UnixNano())) % (2 * jitter)
	return base - jitter + offset
}

// pseudoJitter derives a deterministic-looking spread from seed
// without reaching for math/rand, since the engine's run loop must
// stay allocation-light and side-effect-free for replayability in
// tests that drive it via submit().
func pseudoJitter(seed int64) int64 {
	x := seed
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	if x < 0 {
		x = -x
	}
	return x
}

func (e *Engine) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				e.logger.Error("udp read failed", "error", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.packets <- inboundPacket{data: data, from: addr}:
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) handlePacket(pkt inboundPacket) {
	if e.detached {
		return // dropped silently, per Detach semantics (§6 command table)
	}
	msg, err := DecodeMessage(pkt.data)
	if err != nil {
		e.logger.Debug("dropping malformed datagram", "from", pkt.from, "error", err)
		return
	}
	e.dispatch(msg)
}

// dispatch routes a decoded message to the handler appropriate for its
// type, resolving the target local VNode the way each message
// encodes it: requests identify the target by ownership test or by an
// explicit identifier in the payload; responses identify it by
// echoing the original requestor's own node record back, which the
// receiver matches against its local VNode ids.
func (e *Engine) dispatch(msg *Message) {
	switch msg.Type {
	case MsgJoinReq:
		e.handleJoinReq(msg)
	case MsgJoinRsp:
		if vn, ok := e.vnodeByID(msg.Requestor.ID); ok {
			vn.handleJoinRsp(msg)
		}
	case MsgStabilizeReq:
		e.handleStabilizeReq(msg)
	case MsgStabilizeRsp:
		e.handleStabilizeRsp(msg)
	case MsgFingerReq:
		e.handleFingerReq(msg)
	case MsgFingerRsp:
		e.handleFingerRsp(msg)
	case MsgHeartbeatReq:
		e.handleHeartbeatReq(msg)
	case MsgHeartbeatRsp:
		e.handleHeartbeatRsp(msg)
	case MsgLookupReq:
		e.handleLookupReq(msg)
	case MsgLookupRsp:
		if vn, ok := e.vnodeByID(msg.Requestor.ID); ok {
			vn.handleLookupRsp(msg)
		}
	case MsgLeaveReq:
		e.handleLeaveReq(msg)
	case MsgLeaveRsp:
		e.handleLeaveRsp(msg)
	case MsgTraceRing:
		e.handleTraceRing(msg)
	default:
		e.logger.Debug("dropping message of unknown type", "type", msg.Type)
	}
}

// transmit encodes and sends msg to addr. Encode errors and socket
// errors are logged, never propagated, since datagram loss is routine
// in this protocol (§7). Tests that drive two Engines against each
// other in-process set sendHook instead of binding a real conn.
func (e *Engine) transmit(addr *net.UDPAddr, msg *Message) {
	if e.detached {
		e.logger.Debug("detached, dropping outgoing message", "type", msg.Type.String(), "to", addr)
		return
	}
	data, err := msg.Encode()
	if err != nil {
		e.logger.Error("failed to encode outgoing message", "type", msg.Type.String(), "error", err)
		return
	}
	if e.sendHook != nil {
		e.sendHook(addr, data)
		return
	}
	if e.conn == nil {
		e.logger.Debug("transmit with no socket bound, dropping", "type", msg.Type.String(), "to", addr)
		return
	}
	if _, err := e.conn.WriteToUDP(data, addr); err != nil {
		e.logger.Debug("udp write failed", "to", addr, "error", err)
	}
}

// deliver injects a raw datagram as if it had just arrived from the
// network, used by tests to wire two in-process Engines together
// without real sockets.
func (e *Engine) deliver(data []byte) {
	e.submit(func() { e.handlePacket(inboundPacket{data: data}) })
}

func (e *Engine) bootstrapRecord() (*NodeRecord, bool) {
	if e.conf.BootstrapAddr == "" {
		return nil, false
	}
	host, portStr, err := net.SplitHostPort(e.conf.BootstrapAddr)
	if err != nil {
		e.logger.Error("invalid bootstrap address", "addr", e.conf.BootstrapAddr, "error", err)
		return nil, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			e.logger.Error("cannot resolve bootstrap host", "host", host, "error", err)
			return nil, false
		}
		ip = ips[0]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		e.logger.Error("invalid bootstrap port", "addr", e.conf.BootstrapAddr, "error", err)
		return nil, false
	}
	return &NodeRecord{IP: ip, ChordPort: uint16(port), Routable: true, LastSeen: time.Now()}, true
}

// emitKeyOwnership upcalls KEY-OWNERSHIP for vn's predecessor change
// and, when an object layer is wired, also informs it directly so it
// can start re-replicating objects into the new predecessor's range.
func (e *Engine) emitKeyOwnership(vn *VNode, newPredID, oldPredID Identifier) {
	pred := vn.predecessor()
	if e.delegate != nil {
		e.delegate.KeyOwnership(vn.name, vn.id, newPredID, oldPredID, pred.IP.String(), pred.AppPort)
	}
	if e.objectLayer != nil {
		e.objectLayer.KeyOwnershipTransfer(vn.id, newPredID, oldPredID, pred.Clone())
	}
}

// objectLayerLeave is invoked synchronously when a VNode departs via
// Leave, standing in for the round trip the original ns-3 application
// drove through Leave-Rsp: since the leaving VNode is deleted
// immediately and this process has in-process access to both layers,
// there is no need to wait on the wire for its own cleanup signal.
func (e *Engine) objectLayerLeave(vn *VNode) {
	succ := vn.successor()
	if e.delegate != nil {
		e.delegate.KeyOwnership(vn.name, vn.id, vn.id, vn.predecessor().ID, succ.IP.String(), succ.AppPort)
	}
	if e.objectLayer != nil {
		e.objectLayer.KeyOwnershipTransfer(vn.id, vn.id, vn.predecessor().ID, succ.Clone())
	}
}

func (e *Engine) reportLookupFailure(tx *transaction) {
	if tx.originator == OriginatorApplication {
		if e.delegate != nil {
			e.delegate.LookupFailure(tx.requestedID)
		}
		return
	}
	if e.objectLayer != nil {
		e.objectLayer.LookupResult(tx.requestedID, tx.originator, false, nil)
	}
}

// ---- Public API (§6 command surface) ----

// InsertVNode creates and joins a new VNode under name, hashing key
// with SHA-1 to obtain its identifier. If isBootstrap is true, the
// VNode is the bootstrap-alone ring, running no Join handshake;
// otherwise it issues a Join-Req.
func (e *Engine) InsertVNode(name string, key []byte, isBootstrap bool) error {
	result := make(chan error, 1)
	e.submit(func() {
		if _, exists := e.vnodes[name]; exists {
			result <- ErrVnodeAlreadyExists
			return
		}
		id := HashSHA1(key)
		vn := newVNode(e, name, id)
		vn.bootstrap = isBootstrap
		e.vnodes[name] = vn
		e.vnodesByID[idKey(id)] = vn

		if isBootstrap {
			vn.routable = true
			if e.delegate != nil {
				e.delegate.JoinSuccess(vn.name, vn.id)
			}
		} else {
			vn.startJoin()
		}
		result <- nil
	})
	return <-result
}

// RemoveVNode removes the named VNode, issuing Leave-Req to its
// successor and predecessor first.
func (e *Engine) RemoveVNode(name string) error {
	result := make(chan error, 1)
	e.submit(func() {
		vn, ok := e.vnodes[name]
		if !ok {
			result <- ErrVnodeNotFound
			return
		}
		vn.leave()
		e.removeVNodeLocked(name)
		result <- nil
	})
	return <-result
}

// destroyVNode removes a VNode locally without notifying peers, used
// after Join failure or total successor-list loss (§4.7).
func (e *Engine) destroyVNode(name string) {
	e.removeVNodeLocked(name)
}

func (e *Engine) removeVNodeLocked(name string) {
	vn, ok := e.vnodes[name]
	if !ok {
		return
	}
	vn.txs.cancelAll()
	delete(e.vnodes, name)
	delete(e.vnodesByID, idKey(vn.id))
}

// Lookup resolves key on behalf of originator, reporting the outcome
// through the wired Delegate or ObjectLayer.
func (e *Engine) Lookup(vnodeName string, key Identifier, originator Originator) error {
	result := make(chan error, 1)
	e.submit(func() {
		vn, ok := e.vnodes[vnodeName]
		if !ok {
			result <- ErrVnodeNotFound
			return
		}
		vn.startLookup(key, originator)
		result <- nil
	})
	return <-result
}

// LookupAny resolves key using an arbitrary local VNode, for callers
// (the DHash engine) that need a Chord lookup but have no specific
// VNode context of their own.
func (e *Engine) LookupAny(key Identifier, originator Originator) error {
	result := make(chan error, 1)
	e.submit(func() {
		for _, vn := range e.vnodes {
			vn.startLookup(key, originator)
			result <- nil
			return
		}
		result <- ErrRingEmpty
	})
	return <-result
}

// Owns reports whether any local VNode currently owns key.
func (e *Engine) Owns(key Identifier) bool {
	result := make(chan bool, 1)
	e.submit(func() { result <- e.findOwner(key) != nil })
	return <-result
}

// TraceRing starts a ring trace from the named VNode.
func (e *Engine) TraceRing(vnodeName string) error {
	result := make(chan error, 1)
	e.submit(func() {
		vn, ok := e.vnodes[vnodeName]
		if !ok {
			result <- ErrVnodeNotFound
			return
		}
		vn.startTraceRing()
		result <- nil
	})
	return <-result
}

// FixFinger forces an immediate finger-table refresh pass for the
// named VNode, outside its periodic schedule.
func (e *Engine) FixFinger(vnodeName string) error {
	result := make(chan error, 1)
	e.submit(func() {
		vn, ok := e.vnodes[vnodeName]
		if !ok {
			result <- ErrVnodeNotFound
			return
		}
		vn.doFixFinger()
		result <- nil
	})
	return <-result
}

// VNodeInfo is the read-only snapshot returned by DumpVNodeInfo.
type VNodeInfo struct {
	Name         string
	ID           Identifier
	Routable     bool
	Successors   []*NodeRecord
	Predecessors []*NodeRecord
	FingerCount  int
}

// DumpVNodeInfo reports a snapshot of every local VNode's ring state,
// grounded on the original application's PrintVNodeInfo.
func (e *Engine) DumpVNodeInfo() []VNodeInfo {
	result := make(chan []VNodeInfo, 1)
	e.submit(func() {
		infos := make([]VNodeInfo, 0, len(e.vnodes))
		for _, vn := range e.vnodes {
			infos = append(infos, VNodeInfo{
				Name:         vn.name,
				ID:           vn.id,
				Routable:     vn.routable,
				Successors:   vn.successors,
				Predecessors: vn.predecessors,
				FingerCount:  vn.fingerTable.Len(),
			})
		}
		result <- infos
	})
	return <-result
}

// Detach stops this engine from sending or processing any protocol
// traffic, simulating a network partition (§6 command table) without
// tearing down VNode state.
func (e *Engine) Detach() {
	done := make(chan struct{})
	e.submit(func() { e.detached = true; close(done) })
	<-done
}

// ReAttach resumes normal protocol processing after Detach.
func (e *Engine) ReAttach() {
	done := make(chan struct{})
	e.submit(func() { e.detached = false; close(done) })
	<-done
}

// Crash discards all local VNode and transaction state immediately,
// simulating a hard process crash. The engine keeps running so a
// subsequent Restart can rebuild VNodes from scratch.
func (e *Engine) Crash() {
	done := make(chan struct{})
	e.submit(func() {
		for name := range e.vnodes {
			e.removeVNodeLocked(name)
		}
		e.detached = false
		close(done)
	})
	<-done
}

// Restart is an alias for ReAttach kept distinct in the command
// surface (§6) because a Restart following a Crash expects the caller
// to re-InsertVNode; ReAttach alone only clears a Detach.
func (e *Engine) Restart() {
	e.ReAttach()
}

