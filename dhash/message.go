// Package dhash implements the distributed object storage layer that
// rides on top of a Chord ring: owner-aware placement, a length-
// prefixed stream protocol between peers, and automatic
// re-replication when ownership of a key's sub-arc changes hands.
package dhash

import (
	"encoding/binary"

	"github.com/chordring/chorddht/chord"
	"github.com/pkg/errors"
)

// MessageType identifies a DHash stream record payload (§6).
type MessageType uint8

const (
	MsgStoreReq    MessageType = 1
	MsgStoreRsp    MessageType = 2
	MsgRetrieveReq MessageType = 3
	MsgRetrieveRsp MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MsgStoreReq:
		return "STORE_REQ"
	case MsgStoreRsp:
		return "STORE_RSP"
	case MsgRetrieveReq:
		return "RETRIEVE_REQ"
	case MsgRetrieveRsp:
		return "RETRIEVE_RSP"
	default:
		return "UNKNOWN"
	}
}

// Status is the single status enum shared by Store-Rsp and
// Retrieve-Rsp (§6); not every value is meaningful for both message
// types.
type Status uint8

const (
	StatusObjectFound    Status = 1
	StatusObjectNotFound Status = 2
	StatusNotOwner       Status = 3
	StatusStoreSuccess   Status = 4
	StatusStoreFailure   Status = 5
)

// ErrMalformedMessage mirrors chord.ErrMalformedMessage for the DHash
// stream protocol: a truncated or inconsistent record is dropped and
// the connection keeps reading, never treated as fatal on its own. No
// count of malformed records is kept.
var ErrMalformedMessage = errors.New("dhash: malformed message")

// Object is a stored blob keyed by its 160-bit identifier.
type Object struct {
	ID   chord.Identifier
	Data []byte
}

// Message is one DHash stream record (§6): a 1-byte type, a 4-byte
// transaction id, and a type-specific payload. The 4-byte big-endian
// length prefix is the framer's concern, not this type's.
type Message struct {
	Type          MessageType
	TransactionID uint32

	StoreReq    *StoreReqPayload
	StoreRsp    *StoreRspPayload
	RetrieveReq *RetrieveReqPayload
	RetrieveRsp *RetrieveRspPayload
}

type StoreReqPayload struct{ Object Object }
type StoreRspPayload struct {
	Status   Status
	ObjectID chord.Identifier
}
type RetrieveReqPayload struct{ ObjectID chord.Identifier }
type RetrieveRspPayload struct {
	Status Status
	Object *Object
}

func encodeIdentifier(buf []byte, id chord.Identifier) []byte {
	buf = append(buf, byte(len(id)))
	return append(buf, id...)
}

func decodeIdentifier(buf []byte) (chord.Identifier, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, ErrMalformedMessage
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return nil, nil, ErrMalformedMessage
	}
	id := make(chord.Identifier, n)
	copy(id, buf[:n])
	return id, buf[n:], nil
}

func encodeObject(buf []byte, o Object) []byte {
	buf = encodeIdentifier(buf, o.ID)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(o.Data)))
	buf = append(buf, sizeBuf[:]...)
	return append(buf, o.Data...)
}

func decodeObject(buf []byte) (Object, []byte, error) {
	id, rest, err := decodeIdentifier(buf)
	if err != nil {
		return Object{}, nil, err
	}
	if len(rest) < 4 {
		return Object{}, nil, ErrMalformedMessage
	}
	size := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < size {
		return Object{}, nil, ErrMalformedMessage
	}
	data := make([]byte, size)
	copy(data, rest[:size])
	return Object{ID: id, Data: data}, rest[size:], nil
}

// Encode serializes m to its wire representation, without the stream
// framer's 4-byte length prefix.
func (m *Message) Encode() ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(m.Type))
	var txBuf [4]byte
	binary.BigEndian.PutUint32(txBuf[:], m.TransactionID)
	buf = append(buf, txBuf[:]...)

	switch m.Type {
	case MsgStoreReq:
		if m.StoreReq == nil {
			return nil, errors.New("dhash: STORE_REQ missing payload")
		}
		buf = encodeObject(buf, m.StoreReq.Object)
	case MsgStoreRsp:
		if m.StoreRsp == nil {
			return nil, errors.New("dhash: STORE_RSP missing payload")
		}
		buf = append(buf, byte(m.StoreRsp.Status))
		buf = encodeIdentifier(buf, m.StoreRsp.ObjectID)
	case MsgRetrieveReq:
		if m.RetrieveReq == nil {
			return nil, errors.New("dhash: RETRIEVE_REQ missing payload")
		}
		buf = encodeIdentifier(buf, m.RetrieveReq.ObjectID)
	case MsgRetrieveRsp:
		if m.RetrieveRsp == nil {
			return nil, errors.New("dhash: RETRIEVE_RSP missing payload")
		}
		buf = append(buf, byte(m.RetrieveRsp.Status))
		if m.RetrieveRsp.Status == StatusObjectFound {
			if m.RetrieveRsp.Object == nil {
				return nil, errors.New("dhash: RETRIEVE_RSP found status missing object")
			}
			buf = encodeObject(buf, *m.RetrieveRsp.Object)
		}
	default:
		return nil, errors.Errorf("dhash: unknown message type %d", m.Type)
	}
	return buf, nil
}

// DecodeMessage parses a single DHash record body (post length-prefix
// strip) into a Message.
func DecodeMessage(buf []byte) (*Message, error) {
	if len(buf) < 1+4 {
		return nil, ErrMalformedMessage
	}
	m := &Message{Type: MessageType(buf[0])}
	buf = buf[1:]
	m.TransactionID = binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]

	switch m.Type {
	case MsgStoreReq:
		obj, rest, err := decodeObject(buf)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		m.StoreReq = &StoreReqPayload{Object: obj}
		buf = rest
	case MsgStoreRsp:
		if len(buf) < 1 {
			return nil, ErrMalformedMessage
		}
		status := Status(buf[0])
		buf = buf[1:]
		id, rest, err := decodeIdentifier(buf)
		if err != nil {
			return nil, err
		}
		m.StoreRsp = &StoreRspPayload{Status: status, ObjectID: id}
		buf = rest
	case MsgRetrieveReq:
		id, rest, err := decodeIdentifier(buf)
		if err != nil {
			return nil, err
		}
		m.RetrieveReq = &RetrieveReqPayload{ObjectID: id}
		buf = rest
	case MsgRetrieveRsp:
		if len(buf) < 1 {
			return nil, ErrMalformedMessage
		}
		status := Status(buf[0])
		buf = buf[1:]
		rsp := &RetrieveRspPayload{Status: status}
		if status == StatusObjectFound {
			obj, rest, err := decodeObject(buf)
			if err != nil {
				return nil, errors.Wrap(ErrMalformedMessage, err.Error())
			}
			rsp.Object = &obj
			buf = rest
		}
		m.RetrieveRsp = rsp
	default:
		return nil, ErrMalformedMessage
	}
	_ = buf
	return m, nil
}
