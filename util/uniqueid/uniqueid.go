// Package uniqueid generates node and message identifiers.
package uniqueid

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// NodeID returns a random node id: 32 lowercase hex digits.
func NodeID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// MessageID returns an id for one node-to-node call. The first 8 bytes are the
// microsecond timestamp, so ids sort roughly by creation time.
func MessageID() string {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixMicro()))
	if _, err := rand.Read(b[8:]); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// MaxNodeIDLength is the longest node id, in bytes, every backend can store.
const MaxNodeIDLength = 255

// ValidateNodeID rejects ids that cannot be used as a single registry key
// segment: empty, longer than MaxNodeIDLength, containing '/', or containing
// whitespace or control runes.
func ValidateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("node id is empty")
	}
	if len(id) > MaxNodeIDLength {
		return fmt.Errorf("node id is %d bytes, longer than %d", len(id), MaxNodeIDLength)
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("node id %q must not contain '/'", id)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("node id %q must not contain whitespace or control characters", id)
		}
	}
	return nil
}
