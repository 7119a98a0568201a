package audio

import (
	"encoding/base64"
	"io"
)

// DefaultFrameSize is the microphone frame size in bytes: 4800 samples of
// 16-bit mono PCM at 24 kHz, 100 ms per frame.
const DefaultFrameSize = 4800

// Capture supplies raw PCM microphone frames. Next returns io.EOF when the
// source is exhausted.
type Capture interface {
	Next() ([]byte, error)
}

// ReaderCapture slices a PCM stream into fixed-size frames. The final frame
// may be short.
type ReaderCapture struct {
	r         io.Reader
	frameSize int
}

// NewReaderCapture wraps r. A non-positive frameSize falls back to
// DefaultFrameSize.
func NewReaderCapture(r io.Reader, frameSize int) *ReaderCapture {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &ReaderCapture{r: r, frameSize: frameSize}
}

// Next reads one frame from the stream.
func (c *ReaderCapture) Next() ([]byte, error) {
	frame := make([]byte, c.frameSize)
	n, err := io.ReadFull(c.r, frame)
	if n > 0 {
		return frame[:n], nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, err
}

// EncodeFrame base64-encodes a PCM frame for the wire.
func EncodeFrame(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}
