package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// udpHeaderLen is the session_id (u64) + crypt_position (u64) prefix that
// precedes the ciphertext on every UDP channel datagram (spec.md §4.1, §6).
const udpHeaderLen = 8 + 8

// deriveUDPKey expands the 128-bit server secret into the 256-bit key
// chacha20poly1305 requires. Design notes §9 leaves cipher choice open;
// ChaCha20-Poly1305 is the first option it names.
func deriveUDPKey(serverSecret [16]byte) [32]byte {
	return sha256.Sum256(serverSecret[:])
}

// nonceFromPosition turns the 64-bit counter into chacha20poly1305's
// 12-byte nonce, zero-padded in the high bytes. Positions are never reused
// per session, matching the AEAD's require-unique-nonce contract.
func nonceFromPosition(position uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], position)
	return nonce
}

// EncodeUDPPacket encrypts plaintext (a length-prefixed IP packet, per
// spec.md §6) under the session's server secret at the given stream
// position and frames it as session_id | crypt_position | ciphertext.
func EncodeUDPPacket(sessionID uint64, serverSecret [16]byte, position uint64, plaintext []byte) ([]byte, error) {
	key := deriveUDPKey(serverSecret)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("[wire] udp cipher init: %w", err)
	}
	nonce := nonceFromPosition(position)

	out := make([]byte, udpHeaderLen, udpHeaderLen+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint64(out[0:8], sessionID)
	binary.BigEndian.PutUint64(out[8:16], position)
	out = aead.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

// DecodeUDPPacket parses the session id and crypt position from datagram
// and decrypts its ciphertext under serverSecret. The caller is expected to
// have already looked up serverSecret by the session_id found in the
// header (the UDP socket is shared across every session, spec.md §4.1).
func DecodeUDPPacket(serverSecret [16]byte, datagram []byte) (sessionID uint64, position uint64, plaintext []byte, err error) {
	if len(datagram) < udpHeaderLen {
		return 0, 0, nil, fmt.Errorf("[wire] udp datagram too short: %d bytes", len(datagram))
	}
	sessionID = binary.BigEndian.Uint64(datagram[0:8])
	position = binary.BigEndian.Uint64(datagram[8:16])

	key := deriveUDPKey(serverSecret)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("[wire] udp cipher init: %w", err)
	}
	nonce := nonceFromPosition(position)

	plaintext, err = aead.Open(nil, nonce[:], datagram[udpHeaderLen:], nil)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("[wire] udp decrypt: %w", err)
	}
	return sessionID, position, plaintext, nil
}

// PeekSessionID reads just the session_id prefix without decrypting,
// letting the server's UDP dispatcher route a datagram to the right
// session before it looks up that session's server secret.
func PeekSessionID(datagram []byte) (uint64, bool) {
	if len(datagram) < udpHeaderLen {
		return 0, false
	}
	return binary.BigEndian.Uint64(datagram[0:8]), true
}
