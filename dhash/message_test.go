package dhash

import (
	"testing"

	"github.com/chordring/chorddht/chord"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecodeStoreReq(t *testing.T) {
	msg := &Message{
		Type:          MsgStoreReq,
		TransactionID: 42,
		StoreReq:      &StoreReqPayload{Object: Object{ID: chord.HashSHA1([]byte("k1")), Data: []byte("payload")}},
	}
	buf, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, MsgStoreReq, decoded.Type)
	require.Equal(t, uint32(42), decoded.TransactionID)
	require.True(t, decoded.StoreReq.Object.ID.Equal(msg.StoreReq.Object.ID))
	require.Equal(t, []byte("payload"), decoded.StoreReq.Object.Data)
}

func TestMessageEncodeDecodeStoreRsp(t *testing.T) {
	msg := &Message{
		Type:          MsgStoreRsp,
		TransactionID: 7,
		StoreRsp:      &StoreRspPayload{Status: StatusStoreSuccess, ObjectID: chord.HashSHA1([]byte("k2"))},
	}
	buf, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, StatusStoreSuccess, decoded.StoreRsp.Status)
	require.True(t, decoded.StoreRsp.ObjectID.Equal(msg.StoreRsp.ObjectID))
}

func TestMessageEncodeDecodeRetrieveReq(t *testing.T) {
	msg := &Message{
		Type:          MsgRetrieveReq,
		TransactionID: 3,
		RetrieveReq:   &RetrieveReqPayload{ObjectID: chord.HashSHA1([]byte("k3"))},
	}
	buf, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.True(t, decoded.RetrieveReq.ObjectID.Equal(msg.RetrieveReq.ObjectID))
}

func TestMessageEncodeDecodeRetrieveRspFound(t *testing.T) {
	id := chord.HashSHA1([]byte("k4"))
	msg := &Message{
		Type:          MsgRetrieveRsp,
		TransactionID: 9,
		RetrieveRsp: &RetrieveRspPayload{
			Status: StatusObjectFound,
			Object: &Object{ID: id, Data: []byte("found-me")},
		},
	}
	buf, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, StatusObjectFound, decoded.RetrieveRsp.Status)
	require.NotNil(t, decoded.RetrieveRsp.Object)
	require.Equal(t, []byte("found-me"), decoded.RetrieveRsp.Object.Data)
}

func TestMessageEncodeDecodeRetrieveRspNotFound(t *testing.T) {
	msg := &Message{
		Type:          MsgRetrieveRsp,
		TransactionID: 9,
		RetrieveRsp:   &RetrieveRspPayload{Status: StatusObjectNotFound},
	}
	buf, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, StatusObjectNotFound, decoded.RetrieveRsp.Status)
	require.Nil(t, decoded.RetrieveRsp.Object)
}

func TestMessageEncodeMissingPayloadErrors(t *testing.T) {
	msg := &Message{Type: MsgStoreReq, TransactionID: 1}
	_, err := msg.Encode()
	require.Error(t, err)
}

func TestDecodeMessageTruncatedIsMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte{byte(MsgStoreReq)})
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeMessageUnknownType(t *testing.T) {
	buf := []byte{0xFF, 0, 0, 0, 0}
	_, err := DecodeMessage(buf)
	require.Error(t, err)
}
