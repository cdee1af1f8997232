package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderSize is the size of the big-endian length prefix.
const FrameHeaderSize = 4

// MaxFrameSize caps a single payload at 64 KiB; anything larger is a fatal
// protocol error for the connection.
const MaxFrameSize = 64 * 1024

// ErrFrameTooLarge reports a length prefix above MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// EncodeFrame prepends the 4-byte big-endian length header to payload.
func EncodeFrame(payload []byte) []byte {
	framed := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[FrameHeaderSize:], payload)
	return framed
}

// ReadFrame reads one length-prefixed payload from r. It returns
// ErrFrameTooLarge when the announced length exceeds MaxFrameSize, and the
// underlying read error (io.EOF on clean close) otherwise.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
