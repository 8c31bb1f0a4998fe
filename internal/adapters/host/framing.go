package host

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"
)

// MaxFrameSize is the hard limit on one frame's JSON payload.
const MaxFrameSize = 1 << 20

// Framing-level read errors. Truncation errors mean the pipe broke mid
// frame and the stream cannot be resynchronized; the content errors are
// per-frame and the loop continues past them.
var (
	ErrTruncatedLength  = errors.New("truncated_length")
	ErrTruncatedPayload = errors.New("truncated_payload")
	ErrNotUTF8          = errors.New("not_utf8")
	ErrMalformedJSON    = errors.New("malformed_json")
	ErrFrameTooLarge    = errors.New("frame_too_large")
)

// FrameReader reads length-prefixed JSON frames: a little-endian uint32
// length followed by exactly that many bytes of UTF-8 JSON.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps an input stream.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame's raw JSON. io.EOF means the peer
// closed the stream cleanly between frames. An oversize frame is
// consumed and skipped so the stream stays aligned.
func (fr *FrameReader) ReadFrame() (json.RawMessage, error) {
	var header [4]byte
	n, err := io.ReadFull(fr.r, header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, ErrTruncatedLength
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		if _, err := io.CopyN(io.Discard, fr.r, int64(length)); err != nil {
			return nil, ErrTruncatedPayload
		}
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, ErrTruncatedPayload
	}

	if !utf8.Valid(payload) {
		return nil, ErrNotUTF8
	}
	if !json.Valid(payload) {
		return nil, ErrMalformedJSON
	}
	return json.RawMessage(payload), nil
}

// FrameWriter writes length-prefixed JSON frames. Safe for concurrent
// use; each frame goes out in a single buffered flush so a partial frame
// never reaches the peer.
type FrameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewFrameWriter wraps an output stream.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriterSize(w, 64*1024)}
}

// WriteFrame serializes v compactly and writes length plus payload.
func (fw *FrameWriter) WriteFrame(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return fw.w.Flush()
}
