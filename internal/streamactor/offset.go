package streamactor

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a stream position. ReadSeq names the generation a position
// falls in: the hot, unrotated tail is generation
// Meta.CurrentOffset.ReadSeq, and rotating generation N flushes its ops
// into the blob segment labeled N+1 and starts generation N+1 at
// ByteOffset 0 (see rotate in rotation.go). ByteOffset is the position
// within that generation: appendRaw advances it by one per JSON value
// on a JSON stream and by the payload's byte length on any other
// stream, so endOffset-startOffset is a message count for JSON streams
// and a byte count otherwise.
//
// Offset.String renders both fields as 16-digit zero-padded decimals
// joined by "_", which keeps the encoding lexicographically sortable
// at the string level exactly as the numeric pair sorts.
type Offset struct {
	ReadSeq    uint64
	ByteOffset uint64
}

// ZeroOffset is the starting offset for a new, empty stream.
var ZeroOffset = Offset{}

func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether o is the stream-start offset.
func (o Offset) IsZero() bool {
	return o == ZeroOffset
}

// Add returns o advanced by count units within its generation (messages
// on a JSON stream, bytes otherwise).
func (o Offset) Add(count uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq, ByteOffset: o.ByteOffset + count}
}

// ParseOffset parses the "readSeq_byteOffset" wire form. "" and "-1"
// both mean "start from the beginning", matching the client
// conventions of an empty offset query param and a sentinel -1.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return ZeroOffset, nil
	}

	readSeqStr, byteOffsetStr, ok := strings.Cut(s, "_")
	if !ok || !isAllDigits(readSeqStr) || !isAllDigits(byteOffsetStr) {
		return Offset{}, fmt.Errorf("invalid offset format: must be 'digits_digits'")
	}

	readSeq, err := strconv.ParseUint(readSeqStr, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: readseq not a number: %w", err)
	}
	byteOffset, err := strconv.ParseUint(byteOffsetStr, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: byteoffset not a number: %w", err)
	}

	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// isAllDigits reports whether s is non-empty and every byte is an
// ASCII digit, rejecting signs, whitespace, and any other stray
// character ParseUint would otherwise be lenient about.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Compare orders two offsets by generation first, then by
// within-generation position: -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b Offset) int {
	switch {
	case a.ReadSeq != b.ReadSeq:
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	case a.ByteOffset != b.ByteOffset:
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (o Offset) LessThan(other Offset) bool {
	return Compare(o, other) < 0
}

func (o Offset) LessThanOrEqual(other Offset) bool {
	return Compare(o, other) <= 0
}

func (o Offset) Equal(other Offset) bool {
	return Compare(o, other) == 0
}
