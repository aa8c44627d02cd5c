package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered identifier, optionally prefixed ("custom" gives
// "custom_0190..."). Ids sort by creation time.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	var raw string
	if err != nil {
		bytes := make([]byte, 16)
		_, _ = rand.Read(bytes)
		raw = hex.EncodeToString(bytes)
	} else {
		raw = strings.ReplaceAll(id.String(), "-", "")
	}
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
