package streamactor

import (
	"encoding/binary"
	"errors"
	"io"
)

// A rotated segment blob (see rotation.go's rotate, and the cold-read
// path in internal/httpapi/coldread.go) is a flat concatenation of
// framed messages:
//
//	[4-byte big-endian length][data]...[4-byte big-endian length][data]
//
// No header, footer, or per-message metadata — that is deliberate: the
// blob is addressed purely by its key in internal/blob.Store, and its
// place in a stream's offset space comes from the adminindex row
// recorded alongside it, not from anything inside the blob itself.

const (
	// lengthPrefixSize is the size, in bytes, of each message's length prefix.
	lengthPrefixSize = 4

	// MaxMessageSize bounds a single framed message (64MB).
	MaxMessageSize = 64 * 1024 * 1024
)

var (
	// ErrMessageTooLarge is returned by WriteMessage when data exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrCorruptedSegment is returned by ReadMessage when a length
	// prefix claims more than MaxMessageSize.
	ErrCorruptedSegment = errors.New("corrupted segment file")
)

// WriteMessage frames data as a length-prefixed message and writes it
// to w, returning the total number of bytes written.
func WriteMessage(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}

	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}
	n2, err := w.Write(data)
	return n + n2, err
}

// ReadMessage reads one length-prefixed message from r. Returns io.EOF
// only when r is exhausted exactly at a message boundary; any other
// truncation surfaces as a read error from the underlying reader so
// callers can distinguish "no more messages" from "segment cut short
// mid-message".
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrCorruptedSegment
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF // prefix read, payload missing
		}
		return nil, err
	}
	return data, nil
}
