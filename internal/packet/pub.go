package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqtt/pkg/er"
)

// PubAckPacket acknowledges a QoS 1 PUBLISH.
type PubAckPacket struct {
	PacketID uint16
}

// PubRecPacket is the first half of the QoS 2 handshake, sent in reply to PUBLISH.
type PubRecPacket struct {
	PacketID uint16
}

// PubRelPacket is the second half of the QoS 2 handshake, sent in reply to PUBREC.
// Its fixed header flags are reserved as 0010 [MQTT-3.6.1-1].
type PubRelPacket struct {
	PacketID uint16
}

// PubCompPacket completes the QoS 2 handshake, sent in reply to PUBREL.
type PubCompPacket struct {
	PacketID uint16
}

// NewPubAck creates a PUBACK packet in response to a QoS 1 PUBLISH.
func NewPubAck(packetID uint16) []byte {
	return encodeAck(byte(PUBACK), packetID)
}

// NewPubRec creates a PUBREC packet (QoS 2 handshake, part 1).
func NewPubRec(packetID uint16) []byte {
	return encodeAck(byte(PUBREC), packetID)
}

// NewPubRel creates a PUBREL packet (QoS 2 handshake, part 2).
func NewPubRel(packetID uint16) []byte {
	return encodeAck(byte(PUBREL)|0x02, packetID)
}

// NewPubComp creates a PUBCOMP packet (QoS 2 handshake, part 3).
func NewPubComp(packetID uint16) []byte {
	return encodeAck(byte(PUBCOMP), packetID)
}

func encodeAck(fixedHeader byte, packetID uint16) []byte {
	return []byte{
		fixedHeader,
		0x02,
		byte(packetID >> 8),
		byte(packetID & 0xFF),
	}
}

func parseAckPacketID(raw []byte, context string) (uint16, error) {
	if len(raw) != 4 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidAckPacket}
	}
	if raw[1] != 0x02 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketLength}
	}
	return binary.BigEndian.Uint16(raw[2:4]), nil
}

func (p *PubAckPacket) Parse(raw []byte) error {
	if PacketType(raw[0]&0xF0) != PUBACK {
		return &er.Err{Context: "Puback", Message: er.ErrInvalidAckPacket}
	}
	id, err := parseAckPacketID(raw, "Puback")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubAckPacket) Encode() []byte { return NewPubAck(p.PacketID) }

func (p *PubRecPacket) Parse(raw []byte) error {
	if PacketType(raw[0]&0xF0) != PUBREC {
		return &er.Err{Context: "Pubrec", Message: er.ErrInvalidAckPacket}
	}
	id, err := parseAckPacketID(raw, "Pubrec")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubRecPacket) Encode() []byte { return NewPubRec(p.PacketID) }

func (p *PubRelPacket) Parse(raw []byte) error {
	if PacketType(raw[0]&0xF0) != PUBREL {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidAckPacket}
	}
	if raw[0]&0x0F != 0x02 {
		return &er.Err{Context: "Pubrel, Fixed Header", Message: er.ErrInvalidAckPacket}
	}
	id, err := parseAckPacketID(raw, "Pubrel")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubRelPacket) Encode() []byte { return NewPubRel(p.PacketID) }

func (p *PubCompPacket) Parse(raw []byte) error {
	if PacketType(raw[0]&0xF0) != PUBCOMP {
		return &er.Err{Context: "Pubcomp", Message: er.ErrInvalidAckPacket}
	}
	id, err := parseAckPacketID(raw, "Pubcomp")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubCompPacket) Encode() []byte { return NewPubComp(p.PacketID) }
