package streamactor

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"json value", []byte(`{"a":1}`)},
		{"binary", []byte{0x00, 0x01, 0x02, 0xff, 0xfe}},
		{"large", bytes.Repeat([]byte("x"), 1024*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := WriteMessage(&buf, tt.data)
			if err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			if want := lengthPrefixSize + len(tt.data); n != want {
				t.Errorf("wrote %d bytes, want %d", n, want)
			}

			got, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("data mismatch: got %d bytes, want %d bytes", len(got), len(tt.data))
			}
		})
	}
}

// TestSegmentBlobConcatenation exercises the shape rotate() and
// readSegmentBlob actually produce and consume: several messages
// framed back-to-back into one buffer with no separator or trailer,
// read back in order via repeated ReadMessage calls until io.EOF.
func TestSegmentBlobConcatenation(t *testing.T) {
	messages := [][]byte{[]byte(`{"id":1}`), []byte(`{"id":2}`), []byte(`{"id":3}`)}

	var buf bytes.Buffer
	for _, m := range messages {
		if _, err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	var got [][]byte
	for {
		m, err := ReadMessage(&buf)
		if err != nil {
			break
		}
		got = append(got, m)
	}

	if len(got) != len(messages) {
		t.Fatalf("read %d messages, want %d", len(got), len(messages))
	}
	for i := range messages {
		if !bytes.Equal(got[i], messages[i]) {
			t.Errorf("message %d mismatch: got %q want %q", i, got[i], messages[i])
		}
	}
}

func TestReadMessageTruncatedTail(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteMessage(&buf, []byte(`{"complete":true}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	// A length prefix claiming 16 bytes follow, with nothing after it.
	buf.Write([]byte{0x00, 0x00, 0x00, 0x10})

	if _, err := ReadMessage(&buf); err != nil {
		t.Fatalf("first ReadMessage: %v", err)
	}
	if _, err := ReadMessage(&buf); err == nil {
		t.Error("expected an error reading the truncated second message, got nil")
	}
}

func TestWriteMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	largeData := make([]byte, MaxMessageSize+1)

	if _, err := WriteMessage(&buf, largeData); err != ErrMessageTooLarge {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestReadMessageCorruptedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [lengthPrefixSize]byte
	// A length prefix larger than MaxMessageSize is never legitimate.
	for i := range lenBuf {
		lenBuf[i] = 0xff
	}
	buf.Write(lenBuf[:])

	if _, err := ReadMessage(&buf); err != ErrCorruptedSegment {
		t.Errorf("expected ErrCorruptedSegment, got %v", err)
	}
}
