package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := HelloRequest{
		TokenID:         "abc123",
		ClientInfo:      ClientInfo{Version: "1.0", MinProto: 1, MaxProto: 2, UserAgent: "test"},
		AllowRedirect:   true,
		IsIPv6Supported: false,
	}
	if err := WriteFrame(&buf, OpHello, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	op, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if op != OpHello {
		t.Fatalf("op = %v, want OpHello", op)
	}

	var got HelloRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.TokenID != req.TokenID || got.ClientInfo.Version != req.ClientInfo.Version {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not-a-valid-frame-header")
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestSessionResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := SessionResponse{
		ErrorCode:    ErrOK,
		SuppressedTo: SuppressedSelf,
		SessionInfo: &HelloResponse{
			SessionID:             42,
			ProtocolVersion:        3,
			VirtualIPv4:            "10.255.0.2",
			MaxPacketChannelCount:  4,
			AdRequirement:          "none",
		},
	}
	if err := WriteFrame(&buf, OpSessionStatus, resp); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var got SessionResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.OK() || got.SessionInfo.SessionID != 42 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestUDPPacketEncodeDecode(t *testing.T) {
	var secret [16]byte
	copy(secret[:], "0123456789abcdef")

	plaintext := []byte{0x45, 0x00, 0x00, 0x1c} // fragment of an IPv4 header
	datagram, err := EncodeUDPPacket(7, secret, 100, plaintext)
	if err != nil {
		t.Fatalf("EncodeUDPPacket: %v", err)
	}

	sid, ok := PeekSessionID(datagram)
	if !ok || sid != 7 {
		t.Fatalf("PeekSessionID = %d, %v, want 7, true", sid, ok)
	}

	gotSID, gotPos, gotPlain, err := DecodeUDPPacket(secret, datagram)
	if err != nil {
		t.Fatalf("DecodeUDPPacket: %v", err)
	}
	if gotSID != 7 || gotPos != 100 || !bytes.Equal(gotPlain, plaintext) {
		t.Errorf("decode mismatch: sid=%d pos=%d plain=%x", gotSID, gotPos, gotPlain)
	}
}

func TestUDPPacketWrongKeyFails(t *testing.T) {
	var secret, wrongSecret [16]byte
	copy(secret[:], "0123456789abcdef")
	copy(wrongSecret[:], "fedcba9876543210")

	datagram, err := EncodeUDPPacket(1, secret, 0, []byte("payload"))
	if err != nil {
		t.Fatalf("EncodeUDPPacket: %v", err)
	}
	if _, _, _, err := DecodeUDPPacket(wrongSecret, datagram); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}

func TestStreamPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	packet := []byte{1, 2, 3, 4, 5}
	if err := WriteStreamPacket(&buf, packet); err != nil {
		t.Fatalf("WriteStreamPacket: %v", err)
	}
	got, err := ReadStreamPacket(&buf)
	if err != nil {
		t.Fatalf("ReadStreamPacket: %v", err)
	}
	if !bytes.Equal(got, packet) {
		t.Errorf("got %v, want %v", got, packet)
	}
}
