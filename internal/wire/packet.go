package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxStreamPacket is the largest IP packet a stream channel will frame,
// comfortably above any realistic MTU (spec.md §4.1 stream channel framing).
const maxStreamPacket = 65535

// WriteStreamPacket writes one length-prefixed (uint16 big-endian) IP
// packet to w, the framing used by stream packet channels once the
// underlying byte-stream is already authenticated (spec.md §4.1).
func WriteStreamPacket(w io.Writer, packet []byte) error {
	if len(packet) > maxStreamPacket {
		return fmt.Errorf("[wire] stream packet too large: %d bytes", len(packet))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(packet)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("[wire] write packet length: %w", err)
	}
	if _, err := w.Write(packet); err != nil {
		return fmt.Errorf("[wire] write packet body: %w", err)
	}
	return nil
}

// ReadStreamPacket reads one length-prefixed IP packet from r.
func ReadStreamPacket(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	packet := make([]byte, n)
	if _, err := io.ReadFull(r, packet); err != nil {
		return nil, fmt.Errorf("[wire] read packet body: %w", err)
	}
	return packet, nil
}
