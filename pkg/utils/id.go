package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateRunID generates a unique experiment run ID
func GenerateRunID() string {
	return GenerateID("run")
}

// GeneratePeerID generates a unique signaling peer ID
func GeneratePeerID() string {
	return GenerateID("peer")
}

// GenerateID generates a unique ID with the given prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), uuid.NewString()[:8])
}
