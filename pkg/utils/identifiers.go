package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a UUID string for long-lived aggregates
// (conversations, plans, approval requests).
func NewID() string {
	return uuid.New().String()
}

// NewShortID returns an 8-hex-char identifier for subtasks and tool calls.
func NewShortID() string {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		// crypto/rand never fails on supported platforms; fall back to UUID prefix
		return uuid.New().String()[:8]
	}
	return hex.EncodeToString(bytes)
}
