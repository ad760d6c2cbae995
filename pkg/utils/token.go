package utils

import (
	"crypto/rand"
	"encoding/hex"
)

// Invite tokens are the only credential a candidate ever holds, so they carry
// 256 bits of entropy. Collisions are guarded by a unique index regardless.
const inviteTokenBytes = 32

func GenerateInviteToken() (string, error) {
	buf := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
