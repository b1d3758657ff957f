package ipc

import (
	"bytes"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello, flowkernel")

	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf, 1024)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("want %q, got %q", body, got)
	}
}

func TestFrame_EmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf, 1024)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty body, got %d bytes", len(got))
	}
}

func TestFrame_OversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	body := make([]byte, 100)
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if _, err := ReadFrame(&buf, 10); err == nil {
		t.Fatal("want error for frame exceeding max_frame_bytes")
	}
}

func TestFrame_OversizeDoesNotReadBody(t *testing.T) {
	// The body must not be consumed from the reader when the declared
	// length is rejected: the connection is closed outright, not
	// resynchronized.
	var buf bytes.Buffer
	body := make([]byte, 100)
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if _, err := ReadFrame(&buf, 10); err == nil {
		t.Fatal("want error for frame exceeding max_frame_bytes")
	}
	if buf.Len() != len(body) {
		t.Fatalf("want body untouched in reader (%d bytes left), got %d", len(body), buf.Len())
	}
}

func TestFrame_TruncatedStreamErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10}) // declares 10 bytes, supplies none
	if _, err := ReadFrame(&buf, 1024); err == nil {
		t.Fatal("want error on truncated frame body")
	}
}
