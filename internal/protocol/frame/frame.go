package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/postpipe/internal/protocol"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

const (
	HeaderLen     = 2
	MaxPayloadLen = 0xFFFF
)

// Encoding names the text encoding carried inside a frame.
type Encoding string

const (
	EncodingUTF16 Encoding = "utf16"
	EncodingUTF8  Encoding = "utf8"
)

var ErrUnknownEncoding = errors.New("frame: unknown text encoding")

// Codec reads and writes length-prefixed strings.
//
// Both peers must agree on the encoding; a mismatch is not detected.
type Codec struct {
	name Encoding
	enc  encoding.Encoding
}

type flusher interface {
	Flush() error
}

// DefaultCodec uses UTF-16 little endian without a byte order mark.
func DefaultCodec() Codec {
	c, _ := NewCodec(EncodingUTF16)
	return c
}

func NewCodec(name Encoding) (Codec, error) {
	switch ParseEncoding(string(name)) {
	case EncodingUTF16:
		return Codec{name: EncodingUTF16, enc: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)}, nil
	case EncodingUTF8:
		return Codec{name: EncodingUTF8, enc: unicode.UTF8}, nil
	default:
		return Codec{}, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// ParseEncoding normalizes user supplied encoding names; empty means utf16.
func ParseEncoding(raw string) Encoding {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "utf16", "utf-16", "utf-16le", "unicode":
		return EncodingUTF16
	case "utf8", "utf-8":
		return EncodingUTF8
	default:
		return Encoding(raw)
	}
}

func (c Codec) Name() Encoding {
	return c.name
}

// Encode returns the encoded bytes of text without any truncation.
func (c Codec) Encode(text string) ([]byte, error) {
	if c.enc == nil {
		return nil, ErrUnknownEncoding
	}
	return c.enc.NewEncoder().Bytes([]byte(text))
}

// WriteString writes one frame and returns the number of bytes put on the wire.
// Text longer than MaxPayloadLen encoded bytes is truncated silently.
func (c Codec) WriteString(w io.Writer, text string) (int, error) {
	encoded, err := c.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("frame: encode: %w", err)
	}
	n := len(encoded)
	if n > MaxPayloadLen {
		n = MaxPayloadLen
	}

	buf := make([]byte, HeaderLen+n)
	binary.BigEndian.PutUint16(buf[:HeaderLen], uint16(n))
	copy(buf[HeaderLen:], encoded[:n])
	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("%w: write: %w", protocol.ErrChannelClosed, err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return 0, fmt.Errorf("%w: flush: %w", protocol.ErrChannelClosed, err)
		}
	}
	return n + HeaderLen, nil
}

// ReadString reads exactly one frame.
func (c Codec) ReadString(r io.Reader) (string, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", closedErr("header", err)
	}
	n := binary.BigEndian.Uint16(hdr[:])

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return "", closedErr("payload", err)
		}
	}
	if c.enc == nil {
		return "", ErrUnknownEncoding
	}
	text, err := c.enc.NewDecoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("frame: decode: %w", err)
	}
	return string(text), nil
}

func closedErr(part string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: short %s", protocol.ErrChannelClosed, part)
	}
	return fmt.Errorf("%w: read %s: %w", protocol.ErrChannelClosed, part, err)
}
