// Package shred defines the minimal wire shape of a shred datagram and the
// identity key used for deduplication. Payload contents beyond the fixed
// header prefix are opaque to the proxy.
package shred

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// SignatureSize is the length of the leading signature every shred carries.
	SignatureSize = 64

	// headerSize covers signature + variant byte + slot (u64 LE) + index (u32 LE).
	headerSize = SignatureSize + 1 + 8 + 4

	// MinSize is the smallest datagram that can carry a complete header.
	MinSize = headerSize

	// MaxSize matches the network's maximum datagram payload. Anything larger
	// did not come from a relay and is rejected.
	MaxSize = 1232
)

// ErrMalformed reports a datagram too small to carry a shred header or too
// large to be a legal shred. Malformed datagrams are dropped and counted,
// never fatal.
var ErrMalformed = errors.New("malformed shred")

// Header holds the fields extracted from the fixed header prefix. It is only
// decoded for debug tracing; the forwarding path treats the payload as opaque.
type Header struct {
	Variant byte
	Slot    uint64
	Index   uint32
}

// Key derives the dedup identity key from the full payload. Two shreds are
// duplicates exactly when their payload bytes are identical, which matches the
// relay's retransmission behavior: re-sent shreds are byte-for-byte copies.
func Key(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Validate checks the size bounds. It does not inspect contents.
func Validate(payload []byte) error {
	if len(payload) < MinSize {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(payload), MinSize)
	}
	if len(payload) > MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds max %d", ErrMalformed, len(payload), MaxSize)
	}
	return nil
}

// ParseHeader decodes the fixed header prefix.
func ParseHeader(payload []byte) (Header, error) {
	if len(payload) < headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d for header", ErrMalformed, len(payload), headerSize)
	}
	return Header{
		Variant: payload[SignatureSize],
		Slot:    binary.LittleEndian.Uint64(payload[SignatureSize+1:]),
		Index:   binary.LittleEndian.Uint32(payload[SignatureSize+9:]),
	}, nil
}
