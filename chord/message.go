package chord

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// MessageType identifies a Chord datagram payload variant (§6).
type MessageType uint8

const (
	MsgJoinReq       MessageType = 1
	MsgJoinRsp       MessageType = 2
	MsgStabilizeReq  MessageType = 3
	MsgStabilizeRsp  MessageType = 4
	MsgFingerReq     MessageType = 5
	MsgFingerRsp     MessageType = 6
	MsgHeartbeatReq  MessageType = 7
	MsgHeartbeatRsp  MessageType = 8
	MsgLookupReq     MessageType = 9
	MsgLookupRsp     MessageType = 10
	MsgLeaveReq      MessageType = 11
	MsgLeaveRsp      MessageType = 12
	MsgTraceRing     MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case MsgJoinReq:
		return "JOIN_REQ"
	case MsgJoinRsp:
		return "JOIN_RSP"
	case MsgStabilizeReq:
		return "STABILIZE_REQ"
	case MsgStabilizeRsp:
		return "STABILIZE_RSP"
	case MsgFingerReq:
		return "FINGER_REQ"
	case MsgFingerRsp:
		return "FINGER_RSP"
	case MsgHeartbeatReq:
		return "HEARTBEAT_REQ"
	case MsgHeartbeatRsp:
		return "HEARTBEAT_RSP"
	case MsgLookupReq:
		return "LOOKUP_REQ"
	case MsgLookupRsp:
		return "LOOKUP_RSP"
	case MsgLeaveReq:
		return "LEAVE_REQ"
	case MsgLeaveRsp:
		return "LEAVE_RSP"
	case MsgTraceRing:
		return "TRACE_RING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// ErrMalformedMessage is returned by Decode when a datagram is too
// short or internally inconsistent. The engine drops such a datagram
// with a debug log line rather than treat it as fatal; no count of
// malformed datagrams is kept.
var ErrMalformedMessage = errors.New("chord: malformed message")

// Message is the on-wire datagram envelope: a fixed header plus one of
// the thirteen payload variants (§6).
type Message struct {
	Type          MessageType
	TTL           uint8
	TransactionID uint32
	Requestor     *NodeRecord

	// Exactly one of these is populated, selected by Type.
	JoinRsp      *JoinRspPayload
	StabilizeReq *StabilizeReqPayload
	StabilizeRsp *StabilizeRspPayload
	FingerReq    *FingerReqPayload
	FingerRsp    *FingerRspPayload
	HeartbeatReq *HeartbeatReqPayload
	HeartbeatRsp *HeartbeatRspPayload
	LookupReq    *LookupReqPayload
	LookupRsp    *LookupRspPayload
	LeaveReq     *LeaveReqPayload
	LeaveRsp     *LeaveRspPayload
	TraceRing    *TraceRingPayload
}

type JoinRspPayload struct{ Successor *NodeRecord }
type StabilizeReqPayload struct{ SuccessorID Identifier }
type StabilizeRspPayload struct {
	Predecessor   *NodeRecord
	SuccessorList []*NodeRecord
}
type FingerReqPayload struct{ RequestedID Identifier }
type FingerRspPayload struct {
	RequestedID Identifier
	Finger      *NodeRecord
}
type HeartbeatReqPayload struct{ PredecessorID Identifier }
type HeartbeatRspPayload struct {
	Successor       *NodeRecord
	PredecessorList []*NodeRecord
}
type LookupReqPayload struct{ RequestedID Identifier }
type LookupRspPayload struct{ Resolved *NodeRecord }
type LeaveReqPayload struct {
	Successor   *NodeRecord
	Predecessor *NodeRecord
}
type LeaveRspPayload struct {
	Successor   *NodeRecord
	Predecessor *NodeRecord
}
type TraceRingPayload struct{ SuccessorID Identifier }

// Encode serializes m to its wire representation:
//
//	uint8  message_type
//	uint8  ttl
//	uint32 transaction_id
//	Node   requestor_node
//	(payload per message_type)
func (m *Message) Encode() ([]byte, error) {
	if m.Requestor == nil {
		return nil, errors.New("chord: message requires a requestor node")
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(m.Type), byte(m.TTL))

	var txBuf [4]byte
	binary.BigEndian.PutUint32(txBuf[:], m.TransactionID)
	buf = append(buf, txBuf[:]...)

	buf = m.Requestor.Encode(buf)

	switch m.Type {
	case MsgJoinReq:
		// no payload
	case MsgJoinRsp:
		if m.JoinRsp == nil {
			return nil, errors.New("chord: JOIN_RSP missing payload")
		}
		buf = m.JoinRsp.Successor.Encode(buf)
	case MsgStabilizeReq:
		if m.StabilizeReq == nil {
			return nil, errors.New("chord: STABILIZE_REQ missing payload")
		}
		buf = encodeIdentifier(buf, m.StabilizeReq.SuccessorID)
	case MsgStabilizeRsp:
		if m.StabilizeRsp == nil {
			return nil, errors.New("chord: STABILIZE_RSP missing payload")
		}
		buf = m.StabilizeRsp.Predecessor.Encode(buf)
		buf = append(buf, byte(len(m.StabilizeRsp.SuccessorList)))
		for _, n := range m.StabilizeRsp.SuccessorList {
			buf = n.Encode(buf)
		}
	case MsgFingerReq:
		if m.FingerReq == nil {
			return nil, errors.New("chord: FINGER_REQ missing payload")
		}
		buf = encodeIdentifier(buf, m.FingerReq.RequestedID)
	case MsgFingerRsp:
		if m.FingerRsp == nil {
			return nil, errors.New("chord: FINGER_RSP missing payload")
		}
		buf = encodeIdentifier(buf, m.FingerRsp.RequestedID)
		buf = m.FingerRsp.Finger.Encode(buf)
	case MsgHeartbeatReq:
		if m.HeartbeatReq == nil {
			return nil, errors.New("chord: HEARTBEAT_REQ missing payload")
		}
		buf = encodeIdentifier(buf, m.HeartbeatReq.PredecessorID)
	case MsgHeartbeatRsp:
		if m.HeartbeatRsp == nil {
			return nil, errors.New("chord: HEARTBEAT_RSP missing payload")
		}
		buf = m.HeartbeatRsp.Successor.Encode(buf)
		buf = append(buf, byte(len(m.HeartbeatRsp.PredecessorList)))
		for _, n := range m.HeartbeatRsp.PredecessorList {
			buf = n.Encode(buf)
		}
	case MsgLookupReq:
		if m.LookupReq == nil {
			return nil, errors.New("chord: LOOKUP_REQ missing payload")
		}
		buf = encodeIdentifier(buf, m.LookupReq.RequestedID)
	case MsgLookupRsp:
		if m.LookupRsp == nil {
			return nil, errors.New("chord: LOOKUP_RSP missing payload")
		}
		buf = m.LookupRsp.Resolved.Encode(buf)
	case MsgLeaveReq:
		if m.LeaveReq == nil {
			return nil, errors.New("chord: LEAVE_REQ missing payload")
		}
		buf = m.LeaveReq.Successor.Encode(buf)
		buf = m.LeaveReq.Predecessor.Encode(buf)
	case MsgLeaveRsp:
		if m.LeaveRsp == nil {
			return nil, errors.New("chord: LEAVE_RSP missing payload")
		}
		buf = m.LeaveRsp.Successor.Encode(buf)
		buf = m.LeaveRsp.Predecessor.Encode(buf)
	case MsgTraceRing:
		if m.TraceRing == nil {
			return nil, errors.New("chord: TRACE_RING missing payload")
		}
		buf = encodeIdentifier(buf, m.TraceRing.SuccessorID)
	default:
		return nil, errors.Errorf("chord: unknown message type %d", m.Type)
	}
	return buf, nil
}

func encodeIdentifier(buf []byte, id Identifier) []byte {
	buf = append(buf, byte(len(id)))
	return append(buf, id...)
}

func decodeIdentifier(buf []byte) (Identifier, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, ErrMalformedMessage
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return nil, nil, ErrMalformedMessage
	}
	id := make(Identifier, n)
	copy(id, buf[:n])
	return id, buf[n:], nil
}

// DecodeMessage parses a datagram into a Message. Any structural
// inconsistency yields ErrMalformedMessage, to be dropped silently by
// the caller per §7.
func DecodeMessage(buf []byte) (*Message, error) {
	if len(buf) < 1+1+4 {
		return nil, ErrMalformedMessage
	}
	m := &Message{
		Type: MessageType(buf[0]),
		TTL:  buf[1],
	}
	buf = buf[2:]
	m.TransactionID = binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]

	requestor, rest, err := DecodeNodeRecord(buf)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	m.Requestor = requestor
	buf = rest

	switch m.Type {
	case MsgJoinReq:
		// no payload
	case MsgJoinRsp:
		succ, rest, err := DecodeNodeRecord(buf)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		m.JoinRsp = &JoinRspPayload{Successor: succ}
		buf = rest
	case MsgStabilizeReq:
		sid, rest, err := decodeIdentifier(buf)
		if err != nil {
			return nil, err
		}
		m.StabilizeReq = &StabilizeReqPayload{SuccessorID: sid}
		buf = rest
	case MsgStabilizeRsp:
		pred, rest, err := DecodeNodeRecord(buf)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		buf = rest
		list, rest, err := decodeNodeList(buf)
		if err != nil {
			return nil, err
		}
		m.StabilizeRsp = &StabilizeRspPayload{Predecessor: pred, SuccessorList: list}
		buf = rest
	case MsgFingerReq:
		rid, rest, err := decodeIdentifier(buf)
		if err != nil {
			return nil, err
		}
		m.FingerReq = &FingerReqPayload{RequestedID: rid}
		buf = rest
	case MsgFingerRsp:
		rid, rest, err := decodeIdentifier(buf)
		if err != nil {
			return nil, err
		}
		finger, rest2, err := DecodeNodeRecord(rest)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		m.FingerRsp = &FingerRspPayload{RequestedID: rid, Finger: finger}
		buf = rest2
	case MsgHeartbeatReq:
		pid, rest, err := decodeIdentifier(buf)
		if err != nil {
			return nil, err
		}
		m.HeartbeatReq = &HeartbeatReqPayload{PredecessorID: pid}
		buf = rest
	case MsgHeartbeatRsp:
		succ, rest, err := DecodeNodeRecord(buf)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		buf = rest
		list, rest, err := decodeNodeList(buf)
		if err != nil {
			return nil, err
		}
		m.HeartbeatRsp = &HeartbeatRspPayload{Successor: succ, PredecessorList: list}
		buf = rest
	case MsgLookupReq:
		rid, rest, err := decodeIdentifier(buf)
		if err != nil {
			return nil, err
		}
		m.LookupReq = &LookupReqPayload{RequestedID: rid}
		buf = rest
	case MsgLookupRsp:
		resolved, rest, err := DecodeNodeRecord(buf)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		m.LookupRsp = &LookupRspPayload{Resolved: resolved}
		buf = rest
	case MsgLeaveReq:
		succ, rest, err := DecodeNodeRecord(buf)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		pred, rest2, err := DecodeNodeRecord(rest)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		m.LeaveReq = &LeaveReqPayload{Successor: succ, Predecessor: pred}
		buf = rest2
	case MsgLeaveRsp:
		succ, rest, err := DecodeNodeRecord(buf)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		pred, rest2, err := DecodeNodeRecord(rest)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		m.LeaveRsp = &LeaveRspPayload{Successor: succ, Predecessor: pred}
		buf = rest2
	case MsgTraceRing:
		sid, rest, err := decodeIdentifier(buf)
		if err != nil {
			return nil, err
		}
		m.TraceRing = &TraceRingPayload{SuccessorID: sid}
		buf = rest
	default:
		return nil, ErrMalformedMessage
	}
	_ = buf
	return m, nil
}

func decodeNodeList(buf []byte) ([]*NodeRecord, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, ErrMalformedMessage
	}
	count := int(buf[0])
	buf = buf[1:]
	list := make([]*NodeRecord, 0, count)
	for i := 0; i < count; i++ {
		n, rest, err := DecodeNodeRecord(buf)
		if err != nil {
			return nil, nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		list = append(list, n)
		buf = rest
	}
	return list, buf, nil
}
