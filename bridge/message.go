package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Message is an encoded, path-addressed message: an address path followed by
// zero or more typed arguments. The encoding is
//
//	u16 path length, path bytes, u8 argument count,
//	then for each argument a tag byte and its payload:
//	'i' int32, 'f' float32, 'T'/'F' (no payload),
//	's' string and 'b' blob (u16 length + bytes), 'p' handle (u32 slot + u8 owner).
//
// All integers are little endian. A Message obtained from Parse is known to
// be well formed, so its accessors never panic.
type Message []byte

const (
	TagInt    = 'i'
	TagFloat  = 'f'
	TagTrue   = 'T'
	TagFalse  = 'F'
	TagString = 's'
	TagBlob   = 'b'
	TagHandle = 'p'
)

// MaxMessageSize is the largest encoded message the engine reads or writes.
const MaxMessageSize = 1024

const maxArgs = 255

var ErrMalformed = errors.New("bridge: malformed message")

// Parse checks that b is a well formed message and returns it as a Message,
// without copying.
func Parse(b []byte) (Message, error) {
	if len(b) < 3 {
		return nil, ErrMalformed
	}
	pl := int(binary.LittleEndian.Uint16(b))
	if 2+pl+1 > len(b) || pl == 0 || b[2] != '/' {
		return nil, ErrMalformed
	}
	n := int(b[2+pl])
	pos := 3 + pl
	for i := 0; i < n; i++ {
		size, ok := argSize(b, pos)
		if !ok {
			return nil, ErrMalformed
		}
		pos += size
	}
	if pos != len(b) {
		return nil, ErrMalformed
	}
	return Message(b), nil
}

// argSize returns the total size, tag included, of the argument at pos.
func argSize(b []byte, pos int) (int, bool) {
	if pos >= len(b) {
		return 0, false
	}
	var size int
	switch b[pos] {
	case TagInt, TagFloat:
		size = 5
	case TagTrue, TagFalse:
		size = 1
	case TagString, TagBlob:
		if pos+3 > len(b) {
			return 0, false
		}
		size = 3 + int(binary.LittleEndian.Uint16(b[pos+1:]))
	case TagHandle:
		size = 6
	default:
		return 0, false
	}
	if pos+size > len(b) {
		return 0, false
	}
	return size, true
}

// Path returns the address of the message. The returned slice aliases the
// message.
func (m Message) Path() []byte {
	pl := int(binary.LittleEndian.Uint16(m))
	return m[2 : 2+pl]
}

// NumArgs returns the number of arguments.
func (m Message) NumArgs() int {
	return int(m[2+binary.LittleEndian.Uint16(m)])
}

// arg returns the position of the tag byte of argument i, or -1.
func (m Message) arg(i int) int {
	if i < 0 || i >= m.NumArgs() {
		return -1
	}
	pos := 3 + int(binary.LittleEndian.Uint16(m))
	for ; i > 0; i-- {
		size, _ := argSize(m, pos)
		pos += size
	}
	return pos
}

// Tag returns the type tag of argument i, or 0 if there is no such argument.
func (m Message) Tag(i int) byte {
	if pos := m.arg(i); pos >= 0 {
		return m[pos]
	}
	return 0
}

// Tags appends the type tag string of the message to dst.
func (m Message) Tags(dst []byte) []byte {
	pos := 3 + int(binary.LittleEndian.Uint16(m))
	for i := m.NumArgs(); i > 0; i-- {
		dst = append(dst, m[pos])
		size, _ := argSize(m, pos)
		pos += size
	}
	return dst
}

func (m Message) Int(i int) (int32, bool) {
	pos := m.arg(i)
	if pos < 0 || m[pos] != TagInt {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(m[pos+1:])), true
}

func (m Message) Float(i int) (float32, bool) {
	pos := m.arg(i)
	if pos < 0 || m[pos] != TagFloat {
		return 0, false
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(m[pos+1:])), true
}

func (m Message) Bool(i int) (bool, bool) {
	switch m.Tag(i) {
	case TagTrue:
		return true, true
	case TagFalse:
		return false, true
	}
	return false, false
}

// Str returns a string or blob argument. The returned slice aliases the
// message.
func (m Message) Str(i int) ([]byte, bool) {
	pos := m.arg(i)
	if pos < 0 || (m[pos] != TagString && m[pos] != TagBlob) {
		return nil, false
	}
	l := int(binary.LittleEndian.Uint16(m[pos+1:]))
	return m[pos+3 : pos+3+l], true
}

func (m Message) Handle(i int) (Handle, bool) {
	pos := m.arg(i)
	if pos < 0 || m[pos] != TagHandle {
		return Handle{}, false
	}
	return Handle{Slot: binary.LittleEndian.Uint32(m[pos+1:]), Owner: Side(m[pos+5])}, true
}

// Number returns an int or float argument as a float64.
func (m Message) Number(i int) (float64, bool) {
	if v, ok := m.Int(i); ok {
		return float64(v), true
	}
	if v, ok := m.Float(i); ok {
		return float64(v), true
	}
	return 0, false
}

// Values decodes all arguments into Go values: int32, float32, bool, string,
// []byte or Handle. It allocates, so it is meant for the control side.
func (m Message) Values() []any {
	ret := make([]any, m.NumArgs())
	for i := range ret {
		switch m.Tag(i) {
		case TagInt:
			ret[i], _ = m.Int(i)
		case TagFloat:
			ret[i], _ = m.Float(i)
		case TagTrue, TagFalse:
			ret[i], _ = m.Bool(i)
		case TagString:
			s, _ := m.Str(i)
			ret[i] = string(s)
		case TagBlob:
			b, _ := m.Str(i)
			ret[i] = append([]byte(nil), b...)
		case TagHandle:
			ret[i], _ = m.Handle(i)
		}
	}
	return ret
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s %v", m.Path(), m.Tags(nil), m.Values())
}

// Encoder builds messages into a fixed buffer without allocating, so it can
// be used on the audio goroutine. Errors are sticky: after an argument did not
// fit, Bytes returns ErrTooLarge.
type Encoder struct {
	buf     []byte
	nargPos int
	err     error
}

// NewEncoder returns an encoder for messages up to size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

// Begin starts a new message, discarding any previous one.
func (e *Encoder) Begin(path string) *Encoder {
	e.buf, e.err = e.buf[:0], nil
	if !e.reserve(2 + len(path) + 1) {
		return e
	}
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(len(path)))
	e.buf = append(e.buf, path...)
	e.nargPos = len(e.buf)
	e.buf = append(e.buf, 0)
	return e
}

// BeginBytes is Begin for a path held in a byte slice, typically the path of
// a message being answered.
func (e *Encoder) BeginBytes(path []byte) *Encoder {
	e.buf, e.err = e.buf[:0], nil
	if !e.reserve(2 + len(path) + 1) {
		return e
	}
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(len(path)))
	e.buf = append(e.buf, path...)
	e.nargPos = len(e.buf)
	e.buf = append(e.buf, 0)
	return e
}

func (e *Encoder) reserve(n int) bool {
	if e.err != nil {
		return false
	}
	if len(e.buf)+n > cap(e.buf) {
		e.err = ErrTooLarge
		return false
	}
	return true
}

func (e *Encoder) addArg(tag byte, payload int) bool {
	if len(e.buf) == 0 && e.err == nil {
		e.err = ErrMalformed
	}
	if !e.reserve(1 + payload) {
		return false
	}
	if e.buf[e.nargPos] == maxArgs {
		e.err = ErrTooLarge
		return false
	}
	e.buf[e.nargPos]++
	e.buf = append(e.buf, tag)
	return true
}

func (e *Encoder) Int(v int32) *Encoder {
	if e.addArg(TagInt, 4) {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
	}
	return e
}

func (e *Encoder) Float(v float32) *Encoder {
	if e.addArg(TagFloat, 4) {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(v))
	}
	return e
}

func (e *Encoder) Bool(v bool) *Encoder {
	tag := byte(TagFalse)
	if v {
		tag = TagTrue
	}
	e.addArg(tag, 0)
	return e
}

func (e *Encoder) Str(s string) *Encoder {
	if len(s) > math.MaxUint16 {
		e.err = ErrTooLarge
		return e
	}
	if e.addArg(TagString, 2+len(s)) {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(len(s)))
		e.buf = append(e.buf, s...)
	}
	return e
}

// StrBytes adds a string argument held in a byte slice.
func (e *Encoder) StrBytes(s []byte) *Encoder {
	return e.bytes(TagString, s)
}

func (e *Encoder) Blob(b []byte) *Encoder {
	return e.bytes(TagBlob, b)
}

func (e *Encoder) bytes(tag byte, b []byte) *Encoder {
	if len(b) > math.MaxUint16 {
		e.err = ErrTooLarge
		return e
	}
	if e.addArg(tag, 2+len(b)) {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(len(b)))
		e.buf = append(e.buf, b...)
	}
	return e
}

func (e *Encoder) Handle(h Handle) *Encoder {
	if e.addArg(TagHandle, 5) {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, h.Slot)
		e.buf = append(e.buf, byte(h.Owner))
	}
	return e
}

// Bytes returns the encoded message. The slice is reused by the next Begin.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if len(e.buf) == 0 {
		return nil, ErrMalformed
	}
	return e.buf, nil
}

// WriteTo encodes the message into the ring. It is a shorthand for Bytes
// followed by Ring.Write.
func (e *Encoder) WriteTo(r *Ring) error {
	b, err := e.Bytes()
	if err != nil {
		return err
	}
	return r.Write(b)
}

// Encode builds a message from Go values; see Encoder.Append for the
// accepted types. It allocates, so it is meant for the control side.
func Encode(path string, args ...any) ([]byte, error) {
	size := 3 + len(path)
	for _, a := range args {
		switch v := a.(type) {
		case string:
			size += 3 + len(v)
		case []byte:
			size += 3 + len(v)
		default:
			size += 6
		}
	}
	e := NewEncoder(size)
	e.Begin(path)
	for _, a := range args {
		if err := e.Append(a); err != nil {
			return nil, err
		}
	}
	return e.Bytes()
}

// Append adds one Go value as an argument: integers become 'i', floats 'f',
// bools 'T'/'F', strings 's', byte slices 'b' and Handles 'p'.
func (e *Encoder) Append(a any) error {
	switch v := a.(type) {
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("bridge: integer argument %d does not fit in int32", v)
		}
		e.Int(int32(v))
	case int32:
		e.Int(v)
	case uint8:
		e.Int(int32(v))
	case float32:
		e.Float(v)
	case float64:
		e.Float(float32(v))
	case bool:
		e.Bool(v)
	case string:
		e.Str(v)
	case []byte:
		e.Blob(v)
	case Handle:
		e.Handle(v)
	default:
		return fmt.Errorf("bridge: cannot encode argument of type %T", a)
	}
	return e.err
}
