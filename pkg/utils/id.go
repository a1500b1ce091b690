package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateClientID returns a random (v4) identifier for a relay connection.
func GenerateClientID() string {
	return uuid.NewString()
}

// GenerateSessionID returns 32 hex characters used to tag side channel
// sessions in logs.
func GenerateSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
