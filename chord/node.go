package chord

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// NodeRecord is the routing descriptor for a single ring participant
// (§3: "Node record"). Name is a local handle only and is never put on
// the wire (§6).
type NodeRecord struct {
	ID         Identifier
	Name       string
	IP         net.IP
	ChordPort  uint16
	AppPort    uint16
	ObjectPort uint16
	LastSeen   time.Time
	Routable   bool
}

// Clone returns a deep copy of n. Per the design note in spec §9,
// node records are value types: successor/predecessor fields are
// lookups by identifier into freshly copied records, never shared
// mutable pointers, so callers always clone before handing a record
// to another structure.
func (n *NodeRecord) Clone() *NodeRecord {
	if n == nil {
		return nil
	}
	cp := *n
	cp.ID = n.ID.Clone()
	cp.IP = append(net.IP(nil), n.IP...)
	return &cp
}

// ChordAddr returns the UDP address used for Chord datagram traffic.
func (n *NodeRecord) ChordAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.ChordPort)}
}

// ObjectAddr returns the host:port used for the DHash stream transport.
func (n *NodeRecord) ObjectAddr() string {
	return fmt.Sprintf("%s:%d", n.IP.String(), n.ObjectPort)
}

// EncodedLen returns the exact wire length of the node record.
func (n *NodeRecord) EncodedLen() int {
	return 1 + len(n.ID) + 4 + 2 + 2 + 2
}

// Encode appends the wire representation of n to buf per §6:
//
//	uint8  id_byte_count N
//	N bytes id (little-endian)
//	uint32 ipv4_address
//	uint16 chord_port
//	uint16 app_port
//	uint16 object_port
func (n *NodeRecord) Encode(buf []byte) []byte {
	buf = append(buf, byte(len(n.ID)))
	buf = append(buf, n.ID...)

	var ipBuf [4]byte
	ip4 := n.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(ipBuf[:], ip4)
	buf = append(buf, ipBuf[:]...)

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], n.ChordPort)
	buf = append(buf, portBuf[:]...)
	binary.BigEndian.PutUint16(portBuf[:], n.AppPort)
	buf = append(buf, portBuf[:]...)
	binary.BigEndian.PutUint16(portBuf[:], n.ObjectPort)
	buf = append(buf, portBuf[:]...)
	return buf
}

// DecodeNodeRecord reads a node record from buf, returning the record
// and the remaining (unconsumed) bytes. LastSeen is set to the time of
// decoding; Name and Routable are not on the wire and stay zero.
func DecodeNodeRecord(buf []byte) (*NodeRecord, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("chord: truncated node record (missing id length)")
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n+4+2+2+2 {
		return nil, nil, fmt.Errorf("chord: truncated node record (need %d bytes, have %d)", n+4+2+2+2, len(buf))
	}

	id := make(Identifier, n)
	copy(id, buf[:n])
	buf = buf[n:]

	ip := make(net.IP, 4)
	copy(ip, buf[:4])
	buf = buf[4:]

	chordPort := binary.BigEndian.Uint16(buf[:2])
	buf = buf[2:]
	appPort := binary.BigEndian.Uint16(buf[:2])
	buf = buf[2:]
	objectPort := binary.BigEndian.Uint16(buf[:2])
	buf = buf[2:]

	rec := &NodeRecord{
		ID:         id,
		IP:         ip.To4(),
		ChordPort:  chordPort,
		AppPort:    appPort,
		ObjectPort: objectPort,
		LastSeen:   time.Now(),
	}
	return rec, buf, nil
}
