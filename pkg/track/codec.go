package track

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// The handle is standard base64 over a "message" container: a 4-byte
// big-endian header whose top two bits are flags and lower 30 bits the
// body size, then the body. When the versioned flag is set the body
// starts with a single version byte selecting the field layout.
//
// Body layouts by version:
//
//	v1: title, author, length, identifier, stream, sourceName, position
//	v2: v1 + nullable uri after stream
//	v3: v2 + nullable artworkUrl and isrc after uri
//
// Strings are uint16-length-prefixed UTF-8, numbers fixed-width
// big-endian, nullable strings a presence byte followed by a string.
const (
	flagVersioned = 1
	sizeMask      = 0x3FFFFFFF

	minVersion = 1
	maxVersion = 3
)

// DecodeError reports a malformed track handle. Decoding never guesses
// around bad input; any structural problem fails with one of these.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode track: " + e.Reason }

func decodeErrf(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, decodeErrf("truncated at byte %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBool() (bool, error) {
	b, err := r.readByte()
	return b != 0, err
}

func (r *reader) readInt32() (int32, error) {
	if r.remaining() < 4 {
		return 0, decodeErrf("truncated int32 at byte %d", r.pos)
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return int32(v), nil
}

func (r *reader) readInt64() (int64, error) {
	if r.remaining() < 8 {
		return 0, decodeErrf("truncated int64 at byte %d", r.pos)
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return int64(v), nil
}

// readString validates the declared length against the remaining
// buffer before slicing, so a hostile length prefix cannot allocate or
// read past the input.
func (r *reader) readString() (string, error) {
	if r.remaining() < 2 {
		return "", decodeErrf("truncated string length at byte %d", r.pos)
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2
	if n > r.remaining() {
		return "", decodeErrf("string length %d exceeds %d remaining bytes", n, r.remaining())
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *reader) readNullableString() (string, error) {
	present, err := r.readBool()
	if err != nil {
		return "", err
	}
	if !present {
		return "", nil
	}
	return r.readString()
}

// Decode parses an encoded track handle locally, without asking a
// node. Unknown container versions fail closed; use a node's
// decodetrack endpoint for handles written by newer servers.
func Decode(encoded string) (Track, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Track{}, decodeErrf("invalid base64: %v", err)
	}

	r := &reader{buf: raw}
	header, err := r.readInt32()
	if err != nil {
		return Track{}, err
	}
	flags := int(uint32(header) >> 30)
	size := int(header) & sizeMask
	if size != r.remaining() {
		return Track{}, decodeErrf("declared body size %d, have %d bytes", size, r.remaining())
	}

	version := 1
	if flags&flagVersioned != 0 {
		b, err := r.readByte()
		if err != nil {
			return Track{}, err
		}
		version = int(b)
	}
	if version < minVersion || version > maxVersion {
		return Track{}, decodeErrf("unsupported track version %d", version)
	}

	var t Track
	t.Encoded = encoded
	if t.Title, err = r.readString(); err != nil {
		return Track{}, err
	}
	if t.Author, err = r.readString(); err != nil {
		return Track{}, err
	}
	if t.Length, err = r.readInt64(); err != nil {
		return Track{}, err
	}
	if t.Identifier, err = r.readString(); err != nil {
		return Track{}, err
	}
	if t.Stream, err = r.readBool(); err != nil {
		return Track{}, err
	}
	if version >= 2 {
		if t.URI, err = r.readNullableString(); err != nil {
			return Track{}, err
		}
	}
	if version >= 3 {
		if t.ArtworkURL, err = r.readNullableString(); err != nil {
			return Track{}, err
		}
		if t.ISRC, err = r.readNullableString(); err != nil {
			return Track{}, err
		}
	}
	if t.Source, err = r.readString(); err != nil {
		return Track{}, err
	}
	t.Seekable = !t.Stream

	// Source managers may append private fields before the trailing
	// position, so the position is read from the end of the body.
	if r.remaining() >= 8 {
		t.Position = int64(binary.BigEndian.Uint64(r.buf[len(r.buf)-8:]))
	}
	return t, nil
}

type writer struct {
	buf []byte
}

func (w *writer) writeByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) writeBool(b bool) {
	if b {
		w.writeByte(1)
	} else {
		w.writeByte(0)
	}
}

func (w *writer) writeInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *writer) writeString(s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string field of %d bytes does not fit a uint16 length", len(s))
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *writer) writeNullableString(s string) error {
	if s == "" {
		w.writeBool(false)
		return nil
	}
	w.writeBool(true)
	return w.writeString(s)
}

// Encode writes a version 3 handle for the given metadata. This is
// best effort, meant for round-tripping previously decoded handles;
// server-assigned plugin fields are not representable and are dropped.
func Encode(t Track) (string, error) {
	w := &writer{}
	w.writeByte(maxVersion)
	if err := w.writeString(t.Title); err != nil {
		return "", err
	}
	if err := w.writeString(t.Author); err != nil {
		return "", err
	}
	w.writeInt64(t.Length)
	if err := w.writeString(t.Identifier); err != nil {
		return "", err
	}
	w.writeBool(t.Stream)
	if err := w.writeNullableString(t.URI); err != nil {
		return "", err
	}
	if err := w.writeNullableString(t.ArtworkURL); err != nil {
		return "", err
	}
	if err := w.writeNullableString(t.ISRC); err != nil {
		return "", err
	}
	if err := w.writeString(t.Source); err != nil {
		return "", err
	}
	w.writeInt64(t.Position)

	if len(w.buf) > sizeMask {
		return "", fmt.Errorf("encoded body of %d bytes exceeds container limit", len(w.buf))
	}
	out := make([]byte, 0, 4+len(w.buf))
	out = binary.BigEndian.AppendUint32(out, uint32(len(w.buf))|uint32(flagVersioned)<<30)
	out = append(out, w.buf...)
	return base64.StdEncoding.EncodeToString(out), nil
}
