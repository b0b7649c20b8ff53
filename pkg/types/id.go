package types

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// ID is an opaque 12-byte identifier rendered as 24 hex characters.
// The first four bytes are a big-endian unix timestamp so ids sort
// roughly by creation time.
type ID string

// NewID generates a new identifier.
func NewID() ID {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(b[4:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return ID(hex.EncodeToString(b[:]))
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id == ""
}

// String returns the hex form of the id.
func (id ID) String() string {
	return string(id)
}
