package voice

import (
	"encoding/binary"
	"fmt"
)

// Wire layout (all integers little-endian):
//
//	voice packet:  [0..3] senderID  [4..7] channelID  [8..9] sequence
//	               [10..11] payload length  [12..] payload
//	registration:  [0..3] senderID  [4..7] channelID  [8..11] 4-byte magic
const (
	// HeaderSize is the fixed voice-packet header length.
	HeaderSize = 12

	// RegistrationSize is the fixed length of registration and
	// unregistration packets.
	RegistrationSize = 12
)

// Registration magics. A registration packet binds the sending socket
// address to a channel on the relay; the BYE magic releases the binding.
const (
	MagicRegister   = "RGST"
	MagicUnregister = "BYE!"
)

// Packet is a single voice packet as it travels over the wire. Immutable
// once sent; Payload holds the opaque encoded frame.
type Packet struct {
	SenderID  int32
	ChannelID int32
	Sequence  uint16
	Payload   []byte
}

// MarshalBinary encodes p into the wire layout.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("voice: payload %d bytes exceeds maximum %d", len(p.Payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.SenderID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ChannelID))
	binary.LittleEndian.PutUint16(buf[8:10], p.Sequence)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// ParsePacket decodes a datagram into a Packet. Undersized datagrams and
// payload-length mismatches are rejected; the payload is copied so the
// caller may reuse the read buffer.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("voice: packet too short: %d bytes, need %d", len(data), HeaderSize)
	}
	payloadLen := int(binary.LittleEndian.Uint16(data[10:12]))
	if len(data) < HeaderSize+payloadLen {
		return nil, fmt.Errorf("voice: truncated payload: have %d bytes, header declares %d", len(data)-HeaderSize, payloadLen)
	}
	p := &Packet{
		SenderID:  int32(binary.LittleEndian.Uint32(data[0:4])),
		ChannelID: int32(binary.LittleEndian.Uint32(data[4:8])),
		Sequence:  binary.LittleEndian.Uint16(data[8:10]),
		Payload:   append([]byte(nil), data[HeaderSize:HeaderSize+payloadLen]...),
	}
	return p, nil
}

// Registration is the fixed 12-byte control packet that binds or releases a
// socket address on the relay.
type Registration struct {
	SenderID  int32
	ChannelID int32
	Magic     string // MagicRegister or MagicUnregister
}

// MarshalBinary encodes r into its fixed 12-byte wire form.
func (r *Registration) MarshalBinary() ([]byte, error) {
	if len(r.Magic) != 4 {
		return nil, fmt.Errorf("voice: registration magic %q must be 4 bytes", r.Magic)
	}
	buf := make([]byte, RegistrationSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.SenderID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.ChannelID))
	copy(buf[8:12], r.Magic)
	return buf, nil
}

// ParseRegistration decodes a registration or unregistration packet.
// Returns ok=false when the datagram is not a control packet (wrong size or
// unknown magic); such datagrams should be tried as voice packets instead.
func ParseRegistration(data []byte) (reg Registration, ok bool) {
	if len(data) != RegistrationSize {
		return Registration{}, false
	}
	magic := string(data[8:12])
	if magic != MagicRegister && magic != MagicUnregister {
		return Registration{}, false
	}
	return Registration{
		SenderID:  int32(binary.LittleEndian.Uint32(data[0:4])),
		ChannelID: int32(binary.LittleEndian.Uint32(data[4:8])),
		Magic:     magic,
	}, true
}
