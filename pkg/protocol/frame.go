package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Fixed frame layouts, one leading type tag, fields in wire order.
// Addresses are 6-byte physical identifiers; RSSI fields are signed dBm bytes.
// There is no length prefix, CRC or sequencing; integrity is the radio's job.
//
//  DISCOVERY    0x01  masterAddr
//  ASSIGN_ID    0x02  masterAddr targetAddr id(u8) total(u8)
//  POLL_NEIGHBOR 0x03 masterAddr proberAddr targetAddr
//  RSSI_REPORT  0x04  proberAddr targetAddr hopRSSI(i8)
//  DATA         0x05  originAddr value(f32 LE)
//  ACK          0x06  responderAddr [directFlag(u8)]   flag only on direct-comm acks
//  HEARTBEAT    0x07  senderAddr
//  DIRECT_COMM  0x08  proberAddr targetAddr proberDirectFlag(u8)
const (
	TagDiscovery    uint8 = 0x01
	TagAssignID     uint8 = 0x02
	TagPollNeighbor uint8 = 0x03
	TagRSSIReport   uint8 = 0x04
	TagData         uint8 = 0x05
	TagAck          uint8 = 0x06
	TagHeartbeat    uint8 = 0x07
	TagDirectComm   uint8 = 0x08
)

// AddrLen is the size of a physical node address on the wire.
const AddrLen = 6

// Addr is a 6-byte hardware identifier, the unique node key.
type Addr [AddrLen]byte

// Broadcast is the all-ones address; DISCOVERY is logically sent to it.
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether the address is unset.
func (a Addr) IsZero() bool { return a == Addr{} }

var (
	ErrShortFrame = errors.New("protocol: short frame")
	ErrBadTag     = errors.New("protocol: unknown frame tag")
)

// Frame is the decoded form of one wire message. Which fields are meaningful
// depends on Type; unused fields stay zero.
type Frame struct {
	Type uint8

	// Src is the first address of the frame: master for DISCOVERY/ASSIGN_ID/
	// POLL_NEIGHBOR, prober for RSSI_REPORT/DIRECT_COMM, origin for DATA,
	// responder for ACK, sender for HEARTBEAT.
	Src Addr
	// Dst is the second address where the layout carries one: target of
	// ASSIGN_ID/RSSI_REPORT/DIRECT_COMM, prober of POLL_NEIGHBOR (see Aux).
	Dst Addr
	// Aux is the third address of POLL_NEIGHBOR (the probe target).
	Aux Addr

	ID      uint8   // ASSIGN_ID identifier
	Total   uint8   // ASSIGN_ID network size
	RSSI    int8    // RSSI_REPORT hop RSSI
	Value   float32 // DATA telemetry scalar
	Direct  bool    // DIRECT_COMM prober flag / ACK responder flag
	HasFlag bool    // ACK only: direct-capability byte was present
}

// frame sizes including the tag byte
const (
	sizeDiscovery    = 1 + AddrLen
	sizeAssignID     = 1 + 2*AddrLen + 2
	sizePollNeighbor = 1 + 3*AddrLen
	sizeRSSIReport   = 1 + 2*AddrLen + 1
	sizeData         = 1 + AddrLen + 4
	sizeAckBare      = 1 + AddrLen
	sizeAckFlagged   = 1 + AddrLen + 1
	sizeHeartbeat    = 1 + AddrLen
	sizeDirectComm   = 1 + 2*AddrLen + 1
)

// Marshal encodes the frame into its fixed wire layout.
func (f *Frame) Marshal() ([]byte, error) {
	switch f.Type {
	case TagDiscovery:
		b := make([]byte, sizeDiscovery)
		b[0] = f.Type
		copy(b[1:], f.Src[:])
		return b, nil
	case TagAssignID:
		b := make([]byte, sizeAssignID)
		b[0] = f.Type
		copy(b[1:], f.Src[:])
		copy(b[1+AddrLen:], f.Dst[:])
		b[1+2*AddrLen] = f.ID
		b[1+2*AddrLen+1] = f.Total
		return b, nil
	case TagPollNeighbor:
		b := make([]byte, sizePollNeighbor)
		b[0] = f.Type
		copy(b[1:], f.Src[:])
		copy(b[1+AddrLen:], f.Dst[:])
		copy(b[1+2*AddrLen:], f.Aux[:])
		return b, nil
	case TagRSSIReport:
		b := make([]byte, sizeRSSIReport)
		b[0] = f.Type
		copy(b[1:], f.Src[:])
		copy(b[1+AddrLen:], f.Dst[:])
		b[1+2*AddrLen] = byte(f.RSSI)
		return b, nil
	case TagData:
		b := make([]byte, sizeData)
		b[0] = f.Type
		copy(b[1:], f.Src[:])
		binary.LittleEndian.PutUint32(b[1+AddrLen:], math.Float32bits(f.Value))
		return b, nil
	case TagAck:
		if f.HasFlag {
			b := make([]byte, sizeAckFlagged)
			b[0] = f.Type
			copy(b[1:], f.Src[:])
			b[1+AddrLen] = boolByte(f.Direct)
			return b, nil
		}
		b := make([]byte, sizeAckBare)
		b[0] = f.Type
		copy(b[1:], f.Src[:])
		return b, nil
	case TagHeartbeat:
		b := make([]byte, sizeHeartbeat)
		b[0] = f.Type
		copy(b[1:], f.Src[:])
		return b, nil
	case TagDirectComm:
		b := make([]byte, sizeDirectComm)
		b[0] = f.Type
		copy(b[1:], f.Src[:])
		copy(b[1+AddrLen:], f.Dst[:])
		b[1+2*AddrLen] = boolByte(f.Direct)
		return b, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadTag, f.Type)
	}
}

// Unmarshal decodes one frame from buf. Extra trailing bytes are rejected
// only implicitly: a frame shorter than its layout fails, longer is sliced.
func (f *Frame) Unmarshal(buf []byte) error {
	if len(buf) < 1 {
		return ErrShortFrame
	}
	*f = Frame{Type: buf[0]}
	switch f.Type {
	case TagDiscovery:
		if len(buf) < sizeDiscovery {
			return ErrShortFrame
		}
		copy(f.Src[:], buf[1:])
	case TagAssignID:
		if len(buf) < sizeAssignID {
			return ErrShortFrame
		}
		copy(f.Src[:], buf[1:])
		copy(f.Dst[:], buf[1+AddrLen:])
		f.ID = buf[1+2*AddrLen]
		f.Total = buf[1+2*AddrLen+1]
	case TagPollNeighbor:
		if len(buf) < sizePollNeighbor {
			return ErrShortFrame
		}
		copy(f.Src[:], buf[1:])
		copy(f.Dst[:], buf[1+AddrLen:])
		copy(f.Aux[:], buf[1+2*AddrLen:])
	case TagRSSIReport:
		if len(buf) < sizeRSSIReport {
			return ErrShortFrame
		}
		copy(f.Src[:], buf[1:])
		copy(f.Dst[:], buf[1+AddrLen:])
		f.RSSI = int8(buf[1+2*AddrLen])
	case TagData:
		if len(buf) < sizeData {
			return ErrShortFrame
		}
		copy(f.Src[:], buf[1:])
		f.Value = math.Float32frombits(binary.LittleEndian.Uint32(buf[1+AddrLen:]))
	case TagAck:
		if len(buf) < sizeAckBare {
			return ErrShortFrame
		}
		copy(f.Src[:], buf[1:])
		if len(buf) >= sizeAckFlagged {
			f.HasFlag = true
			f.Direct = buf[1+AddrLen] != 0
		}
	case TagHeartbeat:
		if len(buf) < sizeHeartbeat {
			return ErrShortFrame
		}
		copy(f.Src[:], buf[1:])
	case TagDirectComm:
		if len(buf) < sizeDirectComm {
			return ErrShortFrame
		}
		copy(f.Src[:], buf[1:])
		copy(f.Dst[:], buf[1+AddrLen:])
		f.Direct = buf[1+2*AddrLen] != 0
	default:
		return fmt.Errorf("%w: 0x%02x", ErrBadTag, f.Type)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
