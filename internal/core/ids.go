package core

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// NewChannelID returns a fresh opaque channel id (spec.md §3 PacketChannel).
func NewChannelID() string {
	return uuid.NewString()
}

// NewTokenID returns a fresh opaque access token id (spec.md §3 AccessToken).
func NewTokenID() string {
	return uuid.NewString()
}

// NewSessionID returns a fresh 64-bit server-assigned session id
// (spec.md §3 Session). Collisions are astronomically unlikely and are
// the server registry's problem to detect, not this generator's.
func NewSessionID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// NewSessionKey returns a fresh 128-bit session key used for channel
// framing (spec.md §3 Session).
func NewSessionKey() [16]byte {
	var k [16]byte
	_, _ = rand.Read(k[:])
	return k
}

// NewServerSecret returns a fresh 128-bit server secret used to key the UDP
// channel's stream cipher (spec.md §3 Session, §4.1).
func NewServerSecret() [16]byte {
	var k [16]byte
	_, _ = rand.Read(k[:])
	return k
}
