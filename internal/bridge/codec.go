package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeFrame prefixes payload with its big-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", len(payload), MaxMessageSize)
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Encoder writes frames to an io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates a new Encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame.
func (e *Encoder) Encode(payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = e.w.Write(frame)
	return err
}

// Decoder reads frames from an io.Reader.
type Decoder struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewDecoder creates a new Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next frame payload.
func (d *Decoder) Decode() ([]byte, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.header[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", length, MaxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
