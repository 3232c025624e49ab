package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest message a Conn carries
const MaxFrameSize = 1 << 20

const frameHeaderSize = 4

// writeFrame writes p using length-prefixed framing. Wire format:
// [4B payload length big-endian uint32]
// [N bytes payload]
func writeFrame(w io.Writer, p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, frameHeaderSize+len(p))
	// #nosec G115 -- bounded by MaxFrameSize above.
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(p)))
	copy(buf[frameHeaderSize:], p)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one frame written by writeFrame
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return p, nil
}
