package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes is the payload size limit applied when a reader or
// writer is constructed without an explicit limit.
const DefaultMaxFrameBytes = 16 << 20 // 16 MiB

// prefixSize is the width of the little-endian length prefix on the wire.
const prefixSize = 4

// ErrFrameTooLarge is returned when a frame's declared or actual payload
// length exceeds the configured maximum. The declared length is checked
// before any payload allocation happens.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameReader reads length-prefixed frames from a byte stream.
//
// A FrameReader is not safe for concurrent use; each plugin connection owns
// exactly one reader. Any error other than io.EOF leaves the stream in an
// unknown position, so the owning connection must be torn down rather than
// reused.
type FrameReader struct {
	r   io.Reader
	max uint32
	buf [prefixSize]byte
}

// NewFrameReader returns a FrameReader with the default size limit.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderLimit(r, DefaultMaxFrameBytes)
}

// NewFrameReaderLimit returns a FrameReader that rejects frames whose
// declared payload length exceeds maxBytes.
func NewFrameReaderLimit(r io.Reader, maxBytes uint32) *FrameReader {
	return &FrameReader{r: r, max: maxBytes}
}

// ReadFrame reads exactly one frame and returns its payload bytes.
//
// io.EOF is returned only for a clean end of stream, with zero bytes
// consumed since the previous frame. A stream that ends inside a prefix or
// payload yields an error wrapping io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.buf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading length prefix: %w", err)
	}

	length := binary.LittleEndian.Uint32(fr.buf[:])
	if length > fr.max {
		return nil, fmt.Errorf("declared length %d exceeds limit %d: %w", length, fr.max, ErrFrameTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading %d byte payload: %w", length, err)
	}
	return payload, nil
}

// ReadMessage reads one frame and decodes its payload against the message
// tag set.
func (fr *FrameReader) ReadMessage() (Message, error) {
	payload, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}

// FrameWriter writes length-prefixed frames to a byte stream.
//
// Not safe for concurrent use; single-flight dispatch guarantees one writer
// per connection.
type FrameWriter struct {
	w   io.Writer
	max uint32
}

// NewFrameWriter returns a FrameWriter with the default size limit.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterLimit(w, DefaultMaxFrameBytes)
}

// NewFrameWriterLimit returns a FrameWriter that refuses to emit payloads
// larger than maxBytes.
func NewFrameWriterLimit(w io.Writer, maxBytes uint32) *FrameWriter {
	return &FrameWriter{w: w, max: maxBytes}
}

// WriteFrame writes one frame: a 4-byte little-endian length followed by the
// payload. The prefix and payload go out in a single Write so a failed call
// never leaves a dangling prefix on the stream.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if uint64(len(payload)) > uint64(fw.max) {
		return fmt.Errorf("payload length %d exceeds limit %d: %w", len(payload), fw.max, ErrFrameTooLarge)
	}

	buf := make([]byte, prefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[prefixSize:], payload)

	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// WriteMessage encodes msg and writes it as one frame.
func (fw *FrameWriter) WriteMessage(msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return fw.WriteFrame(payload)
}
