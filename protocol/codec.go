package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnknownRequestType indicates the leading tag is not a defined RequestType.
	ErrUnknownRequestType = errors.New("protocol: unknown request type")
	// ErrEmptyMessage indicates a zero-length message.
	ErrEmptyMessage = errors.New("protocol: empty message")
	// ErrTruncated indicates a field extends past the end of the message.
	ErrTruncated = errors.New("protocol: truncated field")
	// ErrTrailingBytes indicates bytes remain after the last field.
	ErrTrailingBytes = errors.New("protocol: trailing bytes after last field")
	// ErrInvalidUTF8 indicates a string field is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("protocol: string field is not valid utf-8")
)

// ProtocolError reports a message that could not be decoded. It is fatal to
// the message, not to the connection that carried it.
type ProtocolError struct {
	Type   RequestType
	Field  string
	Offset int
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("protocol: decode %s at offset %d: %v", e.Type, e.Offset, e.Err)
	}
	return fmt.Sprintf("protocol: decode %s field %q at offset %d: %v", e.Type, e.Field, e.Offset, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Encoder appends fields after a one-byte type tag.
type Encoder struct {
	buf []byte
}

// NewEncoder starts a message with the given tag.
func NewEncoder(t RequestType) *Encoder {
	buf := make([]byte, 1, 64)
	buf[0] = byte(t)
	return &Encoder{buf: buf}
}

// PutString appends a 4-byte little-endian length and the UTF-8 bytes of s.
// Invalid sequences are replaced with U+FFFD so the peer can always decode
// what was written.
func (e *Encoder) PutString(s string) {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutInt32 appends v as 4 raw little-endian bytes.
func (e *Encoder) PutInt32(v int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

// PutInt64 appends v as 8 raw little-endian bytes.
func (e *Encoder) PutInt64(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

// Bytes returns the encoded message.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder walks the fields of one message. It owns the read offset, so each
// field starts exactly where the previous one ended. The first failure is
// sticky: later reads return zero values and Err reports the original cause.
type Decoder struct {
	typ RequestType
	buf []byte
	off int
	err error
}

// NewDecoder reads the type tag and positions the cursor on the first field.
func NewDecoder(data []byte) (*Decoder, error) {
	if len(data) == 0 {
		return nil, &ProtocolError{Err: ErrEmptyMessage}
	}
	t := RequestType(data[0])
	if !t.Valid() {
		return nil, &ProtocolError{Type: t, Err: ErrUnknownRequestType}
	}
	return &Decoder{typ: t, buf: data, off: 1}, nil
}

// Type returns the message tag.
func (d *Decoder) Type() RequestType {
	return d.typ
}

// Offset returns the position of the next unread byte.
func (d *Decoder) Offset() int {
	return d.off
}

// Err returns the first decoding failure.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(field string, err error) {
	if d.err == nil {
		d.err = &ProtocolError{Type: d.typ, Field: field, Offset: d.off, Err: err}
	}
}

func (d *Decoder) take(field string, n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)-d.off) {
		d.fail(field, ErrTruncated)
		return nil
	}
	out := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return out
}

// String reads a length-prefixed UTF-8 field.
func (d *Decoder) String(field string) string {
	raw := d.take(field, 4)
	if raw == nil {
		return ""
	}
	n := binary.LittleEndian.Uint32(raw)
	value := d.take(field, uint64(n))
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(value) {
		d.fail(field, ErrInvalidUTF8)
		return ""
	}
	return string(value)
}

// Int32 reads a raw 4-byte little-endian field.
func (d *Decoder) Int32(field string) int32 {
	raw := d.take(field, 4)
	if raw == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(raw))
}

// Int64 reads a raw 8-byte little-endian field.
func (d *Decoder) Int64(field string) int64 {
	raw := d.take(field, 8)
	if raw == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(raw))
}

// Finish returns the sticky error, or ErrTrailingBytes when input remains.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return &ProtocolError{Type: d.typ, Offset: d.off, Err: ErrTrailingBytes}
	}
	return nil
}
