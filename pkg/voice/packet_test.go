package voice

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	in := &Packet{
		SenderID:  42,
		ChannelID: -7,
		Sequence:  65535,
		Payload:   []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.SenderID != in.SenderID || out.ChannelID != in.ChannelID || out.Sequence != in.Sequence {
		t.Errorf("header mismatch: got %+v, want %+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload mismatch: got %x, want %x", out.Payload, in.Payload)
	}
}

func TestPacketWireLayout(t *testing.T) {
	p := &Packet{SenderID: 1, ChannelID: 2, Sequence: 0x0304, Payload: []byte{9}}
	data, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != HeaderSize+1 {
		t.Fatalf("length = %d, want %d", len(data), HeaderSize+1)
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 1 {
		t.Errorf("sender field = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 2 {
		t.Errorf("channel field = %d, want 2", got)
	}
	// Little-endian: low byte first.
	if data[8] != 0x04 || data[9] != 0x03 {
		t.Errorf("sequence bytes = %x %x, want 04 03", data[8], data[9])
	}
	if got := binary.LittleEndian.Uint16(data[10:12]); got != 1 {
		t.Errorf("payload length field = %d, want 1", got)
	}
}

func TestParsePacketRejectsUndersized(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, err := ParsePacket(make([]byte, n)); err == nil {
			t.Errorf("ParsePacket accepted %d bytes", n)
		}
	}
}

func TestParsePacketRejectsTruncatedPayload(t *testing.T) {
	p := &Packet{SenderID: 1, ChannelID: 1, Sequence: 0, Payload: []byte{1, 2, 3, 4}}
	data, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := ParsePacket(data[:len(data)-2]); err == nil {
		t.Error("ParsePacket accepted a datagram shorter than the declared payload")
	}
}

func TestParsePacketCopiesPayload(t *testing.T) {
	p := &Packet{SenderID: 1, ChannelID: 1, Sequence: 0, Payload: []byte{1, 2, 3}}
	data, _ := p.MarshalBinary()
	out, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data[HeaderSize] = 99
	if out.Payload[0] != 1 {
		t.Error("parsed payload aliases the read buffer")
	}
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	p := &Packet{Payload: make([]byte, MaxPayload+1)}
	if _, err := p.MarshalBinary(); err == nil {
		t.Error("MarshalBinary accepted an oversized payload")
	}
}

func TestRegistrationRoundTrip(t *testing.T) {
	for _, magic := range []string{MagicRegister, MagicUnregister} {
		in := &Registration{SenderID: 7, ChannelID: 100, Magic: magic}
		data, err := in.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal %q: %v", magic, err)
		}
		if len(data) != RegistrationSize {
			t.Fatalf("length = %d, want %d", len(data), RegistrationSize)
		}
		out, ok := ParseRegistration(data)
		if !ok {
			t.Fatalf("ParseRegistration rejected a valid %q packet", magic)
		}
		if out.SenderID != 7 || out.ChannelID != 100 || out.Magic != magic {
			t.Errorf("round trip mismatch: got %+v", out)
		}
	}
}

func TestParseRegistrationRejectsNonControl(t *testing.T) {
	// A 12-byte voice packet with an empty payload is the collision case:
	// same length as a registration, but the magic bytes are a payload
	// length field that never spells a magic.
	p := &Packet{SenderID: 1, ChannelID: 1, Sequence: 5}
	data, _ := p.MarshalBinary()
	if _, ok := ParseRegistration(data); ok {
		t.Error("ParseRegistration accepted a voice packet")
	}
	if _, ok := ParseRegistration(make([]byte, 5)); ok {
		t.Error("ParseRegistration accepted an undersized datagram")
	}
	if _, ok := ParseRegistration(make([]byte, 20)); ok {
		t.Error("ParseRegistration accepted an oversized datagram")
	}
}

func TestSeqDistance(t *testing.T) {
	cases := []struct {
		a, b uint16
		want int
	}{
		{5, 3, 2},
		{3, 5, -2},
		{0, 65535, 1},     // wraparound forward
		{65535, 0, -1},    // wraparound backward
		{32768, 0, -32768}, // maximal ambiguity resolves negative
		{7, 7, 0},
	}
	for _, c := range cases {
		if got := SeqDistance(c.a, c.b); got != c.want {
			t.Errorf("SeqDistance(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
