// Package ipc — frame.go
//
// Wire framing: a 4-byte unsigned big-endian length prefix (excluding
// the prefix itself) followed by the frame body. Oversize frames are
// rejected before the body is read so a hostile length prefix cannot
// force an unbounded allocation.

package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flowkernel/flowkernel/internal/types"
)

const lengthPrefixSize = 4

// ReadFrame reads one length-prefixed frame from r, rejecting any frame
// whose declared length exceeds maxBytes.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if maxBytes > 0 && int(size) > maxBytes {
		return nil, types.ErrInvalidInput(fmt.Sprintf("ipc: frame of %d bytes exceeds max_frame_bytes %d", size, maxBytes))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body prefixed by its 4-byte big-endian length.
func WriteFrame(w io.Writer, body []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
