package chord

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleNode(idByte byte, port uint16) *NodeRecord {
	return &NodeRecord{
		ID:         Identifier{idByte, idByte + 1, 0, 0},
		IP:         net.IPv4(10, 0, 0, byte(port%256)).To4(),
		ChordPort:  port,
		AppPort:    port + 1,
		ObjectPort: port + 2,
		LastSeen:   time.Time{},
		Routable:   true,
	}
}

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	buf, err := m.Encode()
	require.NoError(t, err)
	out, err := DecodeMessage(buf)
	require.NoError(t, err)
	return out
}

func TestMessageRoundTripJoinReq(t *testing.T) {
	m := &Message{Type: MsgJoinReq, TTL: 64, TransactionID: 7, Requestor: sampleNode(1, 9000)}
	out := roundTrip(t, m)
	require.Equal(t, MsgJoinReq, out.Type)
	require.EqualValues(t, 64, out.TTL)
	require.EqualValues(t, 7, out.TransactionID)
	require.True(t, out.Requestor.ID.Equal(m.Requestor.ID))
	require.Equal(t, m.Requestor.ChordPort, out.Requestor.ChordPort)
}

func TestMessageRoundTripJoinRsp(t *testing.T) {
	m := &Message{
		Type: MsgJoinRsp, TTL: 10, TransactionID: 42, Requestor: sampleNode(2, 9001),
		JoinRsp: &JoinRspPayload{Successor: sampleNode(3, 9002)},
	}
	out := roundTrip(t, m)
	require.True(t, out.JoinRsp.Successor.ID.Equal(m.JoinRsp.Successor.ID))
}

func TestMessageRoundTripStabilizeRsp(t *testing.T) {
	m := &Message{
		Type: MsgStabilizeRsp, TTL: 5, TransactionID: 99, Requestor: sampleNode(4, 9003),
		StabilizeRsp: &StabilizeRspPayload{
			Predecessor:   sampleNode(5, 9004),
			SuccessorList: []*NodeRecord{sampleNode(6, 9005), sampleNode(7, 9006)},
		},
	}
	out := roundTrip(t, m)
	require.True(t, out.StabilizeRsp.Predecessor.ID.Equal(m.StabilizeRsp.Predecessor.ID))
	require.Len(t, out.StabilizeRsp.SuccessorList, 2)
	require.True(t, out.StabilizeRsp.SuccessorList[1].ID.Equal(m.StabilizeRsp.SuccessorList[1].ID))
}

func TestMessageRoundTripHeartbeatRspEmptyList(t *testing.T) {
	m := &Message{
		Type: MsgHeartbeatRsp, TTL: 5, TransactionID: 1, Requestor: sampleNode(8, 9007),
		HeartbeatRsp: &HeartbeatRspPayload{Successor: sampleNode(9, 9008), PredecessorList: nil},
	}
	out := roundTrip(t, m)
	require.Len(t, out.HeartbeatRsp.PredecessorList, 0)
}

func TestMessageRoundTripLeaveReq(t *testing.T) {
	m := &Message{
		Type: MsgLeaveReq, TTL: 1, TransactionID: 3, Requestor: sampleNode(10, 9009),
		LeaveReq: &LeaveReqPayload{Successor: sampleNode(11, 9010), Predecessor: sampleNode(12, 9011)},
	}
	out := roundTrip(t, m)
	require.True(t, out.LeaveReq.Predecessor.ID.Equal(m.LeaveReq.Predecessor.ID))
}

func TestMessageRoundTripTraceRing(t *testing.T) {
	m := &Message{
		Type: MsgTraceRing, TTL: 1, TransactionID: 3, Requestor: sampleNode(13, 9012),
		TraceRing: &TraceRingPayload{SuccessorID: Identifier{1, 2, 3}},
	}
	out := roundTrip(t, m)
	require.True(t, out.TraceRing.SuccessorID.Equal(m.TraceRing.SuccessorID))
}

func TestDecodeMessageTruncatedIsMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedMessage)
}
