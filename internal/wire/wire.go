// Package wire implements the length-prefixed frame encoding every
// message on a driver connection uses: a fixed 16-byte header
// (protocol, method, badge, payload length) followed by a variable
// payload of opaque bytes the caller marshals itself (the server's
// method payloads are JSON).
//
// Grounded on the teacher's internal/uapi fixed-struct-then-variable-
// buffer layout style (structs.go's compile-time size assertions,
// marshal.go's direct binary.LittleEndian encode/decode of kernel
// command structs): the same discipline — fixed header, explicit byte
// order, no reflection — is kept here for the userspace IPC frame
// instead of a kernel ioctl struct.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/glenda-dev/unicorn/internal/constants"
)

// HeaderSize is the encoded size of Header in bytes.
const HeaderSize = 16

// MaxPayloadSize bounds a single frame's payload to guard against a
// malformed or hostile peer claiming an unbounded length.
const MaxPayloadSize = constants.MaxFrameSize

// Header is the fixed-layout frame header preceding every payload.
type Header struct {
	Protocol uint16
	Method   uint16
	Badge    uint64
	Length   uint32
}

// Encode writes h into a HeaderSize-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Protocol)
	binary.LittleEndian.PutUint16(buf[2:4], h.Method)
	binary.LittleEndian.PutUint64(buf[4:12], h.Badge)
	binary.LittleEndian.PutUint32(buf[12:16], h.Length)
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	return Header{
		Protocol: binary.LittleEndian.Uint16(buf[0:2]),
		Method:   binary.LittleEndian.Uint16(buf[2:4]),
		Badge:    binary.LittleEndian.Uint64(buf[4:12]),
		Length:   binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Frame is a decoded message: header plus payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// WriteFrame writes header and payload as one frame to w.
func WriteFrame(w io.Writer, protocol, method uint16, badge uint64, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("wire: payload too large: %d bytes", len(payload))
	}
	h := Header{Protocol: protocol, Method: method, Badge: badge, Length: uint32(len(payload))}
	if _, err := w.Write(h.Encode()); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame blocks until one full frame has been read from r.
func ReadFrame(r io.Reader) (Frame, error) {
	hbuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hbuf); err != nil {
		return Frame{}, err
	}
	h, err := DecodeHeader(hbuf)
	if err != nil {
		return Frame{}, err
	}
	if h.Length > MaxPayloadSize {
		return Frame{}, fmt.Errorf("wire: payload too large: %d bytes", h.Length)
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}
