package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PublishPacket represents an MQTT PUBLISH control packet.
type PublishPacket struct {
	Dup    bool
	QoS    uint8
	Retain bool

	Topic    string
	PacketID uint16 // only present if QoS > 0

	Payload []byte
}

// Type returns the packet type.
func (p *PublishPacket) Type() uint8 {
	return PUBLISH
}

// WriteTo writes the PUBLISH packet to the writer.
func (p *PublishPacket) WriteTo(w io.Writer) (int64, error) {
	topicBytes := encodeString(p.Topic)

	variableHeaderLen := len(topicBytes)
	if p.QoS > 0 {
		variableHeaderLen += 2
	}

	var flags uint8
	if p.Dup {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}

	header := &FixedHeader{
		PacketType:      PUBLISH,
		Flags:           flags,
		RemainingLength: variableHeaderLen + len(p.Payload),
	}
	hN, err := header.WriteTo(w)
	total := hN
	if err != nil {
		return total, err
	}

	n, err := w.Write(topicBytes)
	total += int64(n)
	if err != nil {
		return total, err
	}

	if p.QoS > 0 {
		var idBuf [2]byte
		binary.BigEndian.PutUint16(idBuf[:], p.PacketID)
		n, err = w.Write(idBuf[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	n, err = w.Write(p.Payload)
	total += int64(n)
	return total, err
}

// DecodePublish decodes a PUBLISH packet from the buffer and fixed header.
func DecodePublish(buf []byte, fixedHeader *FixedHeader) (*PublishPacket, error) {
	pkt := &PublishPacket{
		Dup:    fixedHeader.Flags&0x08 != 0,
		QoS:    (fixedHeader.Flags >> 1) & 0x03,
		Retain: fixedHeader.Flags&0x01 != 0,
	}

	offset := 0

	topic, n, err := decodeString(buf[offset:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode topic: %w", err)
	}
	pkt.Topic = topic
	offset += n

	if pkt.QoS > 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("buffer too short for packet ID")
		}
		pkt.PacketID = binary.BigEndian.Uint16(buf[offset : offset+2])
		offset += 2
	}

	// Payload buffer is pooled by the caller; copy it out.
	pkt.Payload = append([]byte(nil), buf[offset:]...)

	return pkt, nil
}
