package protocol

import (
	"errors"
	"testing"
)

var (
	addrM = Addr{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	addrA = Addr{0xaa, 0x01, 0x02, 0x03, 0x04, 0x05}
	addrB = Addr{0xbb, 0x01, 0x02, 0x03, 0x04, 0x06}
)

func TestFrameRoundtrip(t *testing.T) {
	cases := []Frame{
		{Type: TagDiscovery, Src: addrM},
		{Type: TagAssignID, Src: addrM, Dst: addrA, ID: 3, Total: 5},
		{Type: TagPollNeighbor, Src: addrM, Dst: addrA, Aux: addrB},
		{Type: TagRSSIReport, Src: addrA, Dst: addrB, RSSI: -42},
		{Type: TagData, Src: addrA, Value: 21.5},
		{Type: TagAck, Src: addrA},
		{Type: TagAck, Src: addrB, HasFlag: true, Direct: true},
		{Type: TagHeartbeat, Src: addrB},
		{Type: TagDirectComm, Src: addrA, Dst: addrB, Direct: true},
	}
	for _, c := range cases {
		b, err := c.Marshal()
		if err != nil {
			t.Fatalf("tag 0x%02x marshal: %v", c.Type, err)
		}
		var d Frame
		if err := d.Unmarshal(b); err != nil {
			t.Fatalf("tag 0x%02x unmarshal: %v", c.Type, err)
		}
		if d != c {
			t.Fatalf("tag 0x%02x roundtrip mismatch: %+v vs %+v", c.Type, d, c)
		}
	}
}

func TestAckFlagPresence(t *testing.T) {
	bare := Frame{Type: TagAck, Src: addrA}
	b, _ := bare.Marshal()
	if len(b) != 1+AddrLen {
		t.Fatalf("bare ack length = %d", len(b))
	}
	var d Frame
	if err := d.Unmarshal(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.HasFlag {
		t.Fatalf("bare ack decoded with flag")
	}

	flagged := Frame{Type: TagAck, Src: addrA, HasFlag: true, Direct: true}
	b, _ = flagged.Marshal()
	if len(b) != 1+AddrLen+1 {
		t.Fatalf("flagged ack length = %d", len(b))
	}
	if err := d.Unmarshal(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !d.HasFlag || !d.Direct {
		t.Fatalf("flagged ack lost its flag: %+v", d)
	}
}

func TestNegativeRSSIByte(t *testing.T) {
	f := Frame{Type: TagRSSIReport, Src: addrA, Dst: addrB, RSSI: -110}
	b, _ := f.Marshal()
	var d Frame
	if err := d.Unmarshal(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.RSSI != -110 {
		t.Fatalf("rssi = %d, want -110", d.RSSI)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	var f Frame
	if err := f.Unmarshal(nil); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("empty buf: %v", err)
	}
	if err := f.Unmarshal([]byte{TagAssignID, 1, 2, 3}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("truncated assign: %v", err)
	}
	if err := f.Unmarshal([]byte{0x7f, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrBadTag) {
		t.Fatalf("bad tag: %v", err)
	}
	bad := Frame{Type: 0x99}
	if _, err := bad.Marshal(); !errors.Is(err, ErrBadTag) {
		t.Fatalf("marshal bad tag: %v", err)
	}
}
