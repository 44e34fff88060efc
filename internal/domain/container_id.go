package domain

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// containerIDEncoding is base32hex (RFC 4648) lowercase without padding.
// Alphabet 0-9a-v preserves lexicographic sort order.
var containerIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// ContainerID uniquely identifies a container. It is a UUIDv7 (16 bytes)
// whose string representation is 26-char lowercase base32hex, lexically
// sortable by creation time.
type ContainerID [16]byte

// NewContainerID creates a ContainerID from a new UUIDv7.
func NewContainerID() ContainerID {
	return ContainerID(uuid.Must(uuid.NewV7()))
}

// ParseContainerID parses a 26-character base32hex string into a ContainerID.
func ParseContainerID(value string) (ContainerID, error) {
	if len(value) != 26 {
		return ContainerID{}, fmt.Errorf("invalid container ID length: %d (want 26)", len(value))
	}
	decoded, err := containerIDEncoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		return ContainerID{}, fmt.Errorf("invalid container ID: %w", err)
	}
	var id ContainerID
	copy(id[:], decoded)
	return id, nil
}

// String returns the 26-character lowercase base32hex representation.
func (id ContainerID) String() string {
	return strings.ToLower(containerIDEncoding.EncodeToString(id[:]))
}

// Time returns the creation time encoded in the UUIDv7 ContainerID.
func (id ContainerID) Time() time.Time {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms)
}
