// Package passport implements the Passport Loyalty wire protocol: a
// 28-byte length-prefixed binary header (little-endian integers despite
// legacy comments claiming network byte order) followed by an XML or
// opaque binary payload, plus the classification rules that turn a
// decoded frame into a handling mode and routing key.
package passport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/alex-rizov/pos-proxy/framed"
)

// HeaderSize is the fixed size, in bytes, of a Passport frame header.
const HeaderSize = 28

// Signature is the fixed 10-byte ASCII marker every frame opens with.
const Signature = "POSLOYALTY"

// MessageKind identifies whether a frame carries XML or is a binary echo.
type MessageKind uint32

const (
	// KindXML marks a frame whose payload is a Passport XML document.
	KindXML MessageKind = 1
	// KindBinaryEcho marks a heartbeat frame with an opaque payload.
	KindBinaryEcho MessageKind = 2
)

var (
	// ErrMalformedHeader is returned when the 28-byte header fails any
	// invariant: wrong signature, non-zero reserved bytes, unknown
	// message kind, or a bad header CRC.
	ErrMalformedHeader = errors.New("passport: malformed header")
	// ErrMalformedFrame is returned when the header is well-formed but the
	// payload fails its CRC check.
	ErrMalformedFrame = errors.New("passport: malformed frame")
)

// Header is the decoded fixed-size prefix of a frame.
type Header struct {
	MessageKind   MessageKind
	PayloadLength uint32
	PayloadCRC32  uint32
	HeaderCRC32   uint32
}

// Frame is one complete Passport message: header plus payload, and the
// raw header bytes (needed to recompute the header CRC during Verify).
type Frame struct {
	Header     Header
	Payload    []byte
	headerRaw  [HeaderSize]byte
}

// DecodeHeader parses and validates a 28-byte header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedHeader, HeaderSize, len(b))
	}
	if string(b[0:10]) != Signature {
		return Header{}, fmt.Errorf("%w: bad signature", ErrMalformedHeader)
	}
	if b[10] != 0 || b[11] != 0 {
		return Header{}, fmt.Errorf("%w: reserved bytes not zero", ErrMalformedHeader)
	}
	kind := MessageKind(binary.LittleEndian.Uint32(b[12:16]))
	if kind != KindXML && kind != KindBinaryEcho {
		return Header{}, fmt.Errorf("%w: unknown message_kind %d", ErrMalformedHeader, kind)
	}
	payloadLen := binary.LittleEndian.Uint32(b[16:20])
	payloadCRC := binary.LittleEndian.Uint32(b[20:24])
	headerCRC := binary.LittleEndian.Uint32(b[24:28])

	wantHeaderCRC := crc32.ChecksumIEEE(b[0:24])
	if headerCRC != wantHeaderCRC {
		return Header{}, fmt.Errorf("%w: header CRC mismatch", ErrMalformedHeader)
	}

	return Header{
		MessageKind:   kind,
		PayloadLength: payloadLen,
		PayloadCRC32:  payloadCRC,
		HeaderCRC32:   headerCRC,
	}, nil
}

// ReadFrame reads one complete frame from r: the fixed header, then
// exactly Header.PayloadLength bytes of payload.
func ReadFrame(r io.Reader) (Frame, error) {
	headerBytes, err := framed.ReadExact(r, HeaderSize)
	if err != nil {
		return Frame{}, err
	}
	hdr, err := DecodeHeader(headerBytes)
	if err != nil {
		return Frame{}, err
	}
	payload, err := framed.ReadExact(r, int(hdr.PayloadLength))
	if err != nil {
		return Frame{}, err
	}

	f := Frame{Header: hdr, Payload: payload}
	copy(f.headerRaw[:], headerBytes)
	return f, nil
}

// Verify re-runs header validation and, if the frame declares a non-zero
// payload CRC, checks it against the actual payload bytes.
func Verify(f Frame) error {
	if _, err := DecodeHeader(f.headerRaw[:]); err != nil {
		return err
	}
	if f.Header.PayloadCRC32 != 0 {
		if crc32.ChecksumIEEE(f.Payload) != f.Header.PayloadCRC32 {
			return fmt.Errorf("%w: payload CRC mismatch", ErrMalformedFrame)
		}
	}
	return nil
}

// IsBinaryEcho reports whether the frame is a binary heartbeat rather
// than an XML-bearing message.
func IsBinaryEcho(f Frame) bool {
	return f.Header.MessageKind == KindBinaryEcho
}

// Bytes returns the complete wire representation of the frame (header
// followed by payload), suitable for relaying verbatim to an upstream.
func (f Frame) Bytes() []byte {
	out := make([]byte, 0, HeaderSize+len(f.Payload))
	out = append(out, f.headerRaw[:]...)
	out = append(out, f.Payload...)
	return out
}

// EncodeFrame builds the wire bytes for a frame with the given message
// kind and payload. It computes both CRCs; pass checkPayload=false to
// leave PayloadCRC32 as 0 ("unchecked"), matching what some upstreams
// send for binary echoes.
func EncodeFrame(kind MessageKind, payload []byte, checkPayload bool) []byte {
	var payloadCRC uint32
	if checkPayload {
		payloadCRC = crc32.ChecksumIEEE(payload)
	}

	header := make([]byte, HeaderSize)
	copy(header[0:10], Signature)
	binary.LittleEndian.PutUint32(header[12:16], uint32(kind))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[20:24], payloadCRC)
	binary.LittleEndian.PutUint32(header[24:28], crc32.ChecksumIEEE(header[0:24]))

	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// ParseFrame decodes a Frame from an in-memory buffer (as opposed to a
// stream), used by tests and by code that already has the complete bytes
// on hand.
func ParseFrame(buf []byte) (Frame, error) {
	return ReadFrame(bytes.NewReader(buf))
}
