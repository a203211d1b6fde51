// Package wire implements the request/response framing and message types
// described in spec.md §6: an 8-byte magic prefix, a 1-byte op code, a
// little-endian uint32 length prefix, and a JSON body. It also defines the
// UDP channel datagram framing used once a session is established.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Magic identifies the start of a framed message on a stream connection.
// Any other leading bytes indicate a foreign protocol and the connection
// is rejected outright (spec.md §4.4, §6: an 8-byte magic prefix).
var Magic = [8]byte{'V', 'P', 'N', 'T', 'U', 'N', 'L', '1'}

// OpCode identifies the kind of request carried by a frame (spec.md §6).
type OpCode byte

const (
	OpHello            OpCode = 1
	OpBye              OpCode = 2
	OpSessionStatus    OpCode = 3
	OpRewardedAd       OpCode = 4
	OpTCPPacketChannel OpCode = 5
	OpStreamProxy      OpCode = 6
	OpUDPPacket        OpCode = 7
)

func (o OpCode) String() string {
	switch o {
	case OpHello:
		return "hello"
	case OpBye:
		return "bye"
	case OpSessionStatus:
		return "session_status"
	case OpRewardedAd:
		return "rewarded_ad"
	case OpTCPPacketChannel:
		return "tcp_packet_channel"
	case OpStreamProxy:
		return "stream_proxy"
	case OpUDPPacket:
		return "udp_packet"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// maxFrameLen bounds a single frame body, guarding against a corrupt or
// hostile length prefix driving an unbounded allocation.
const maxFrameLen = 16 * 1024 * 1024

// headerLen is len(Magic) + 1 op-code byte + 4 length bytes.
const headerLen = len(Magic) + 1 + 4

// WriteFrame writes the magic prefix, op code, length, and JSON-encoded
// body to w. It is safe to call concurrently only if w itself serializes
// writes (callers typically hold a per-connection write lock).
func WriteFrame(w io.Writer, op OpCode, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("[wire] marshal %s body: %w", op, err)
	}
	if len(payload) > maxFrameLen {
		return fmt.Errorf("[wire] %s body too large: %d bytes", op, len(payload))
	}

	header := make([]byte, headerLen)
	copy(header[0:len(Magic)], Magic[:])
	header[len(Magic)] = byte(op)
	binary.LittleEndian.PutUint32(header[len(Magic)+1:], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("[wire] write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("[wire] write body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r, returning its op code and raw JSON
// body for the caller to unmarshal into the type matching op.
func ReadFrame(r io.Reader) (OpCode, json.RawMessage, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("[wire] read header: %w", err)
	}
	if [len(Magic)]byte(header[0:len(Magic)]) != Magic {
		return 0, nil, fmt.Errorf("[wire] bad magic %x", header[0:len(Magic)])
	}
	op := OpCode(header[len(Magic)])
	n := binary.LittleEndian.Uint32(header[len(Magic)+1:])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("[wire] frame too large: %d bytes", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("[wire] read body: %w", err)
	}
	return op, body, nil
}
