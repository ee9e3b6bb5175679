package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubackPacket represents an MQTT PUBACK control packet (QoS 1 acknowledgment).
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() uint8 {
	return PUBACK
}

// WriteTo writes the PUBACK packet to the writer.
func (p *PubackPacket) WriteTo(w io.Writer) (int64, error) {
	return writeIDOnlyPacket(w, PUBACK, 0, p.PacketID)
}

// DecodePuback decodes a PUBACK packet from the buffer.
func DecodePuback(buf []byte) (*PubackPacket, error) {
	id, err := decodeIDOnlyPacket(buf, "PUBACK")
	if err != nil {
		return nil, err
	}
	return &PubackPacket{PacketID: id}, nil
}

// writeIDOnlyPacket writes the common shape shared by PUBACK, PUBREC,
// PUBREL and PUBCOMP: a fixed header followed by a single packet id.
func writeIDOnlyPacket(w io.Writer, packetType, flags uint8, id uint16) (int64, error) {
	header := &FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: 2,
	}
	hN, err := header.WriteTo(w)
	total := hN
	if err != nil {
		return total, err
	}

	var idBuf [2]byte
	binary.BigEndian.PutUint16(idBuf[:], id)
	n, err := w.Write(idBuf[:])
	return total + int64(n), err
}

func decodeIDOnlyPacket(buf []byte, name string) (uint16, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("buffer too short for %s packet", name)
	}
	return binary.BigEndian.Uint16(buf[0:2]), nil
}
