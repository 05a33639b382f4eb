package hostobj

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNotString is returned by GetStrData when given an object that is not a
// host string.
var ErrNotString = errors.New("expected a string object")

// UnicodeError is returned by GetStrData when a host string holds bytes that
// are not valid UTF-8.
type UnicodeError struct {
	// Offset is the byte offset of the first invalid sequence.
	Offset int
}

func (e *UnicodeError) Error() string {
	return fmt.Sprintf("string is not valid UTF-8 (invalid byte at offset %d)", e.Offset)
}

// StrType is the static type of host strings.
var StrType = NewStaticType(TypeSpec{Name: "str"})

// Str is a host string. It holds raw bytes, which are not required to be
// valid UTF-8 until they are extracted with GetStrData.
type Str struct {
	Base
	data []byte
}

// NewStr returns a new host string containing s.
func NewStr(s string) *Str {
	return NewStrBytes([]byte(s))
}

// NewStrBytes returns a new host string containing a copy of b.
func NewStrBytes(b []byte) *Str {
	str := &Str{data: append([]byte(nil), b...)}
	str.Init(str, StrType)
	return str
}

// Len returns the length of the string in bytes.
func (s *Str) Len() int {
	return len(s.data)
}

// Bytes returns a copy of the string's raw contents.
func (s *Str) Bytes() []byte {
	return append([]byte(nil), s.data...)
}

// GetStrData extracts the UTF-8 contents of a host string.
func GetStrData(obj Object) (string, error) {
	str, ok := obj.(*Str)
	if !ok {
		if obj == nil {
			return "", fmt.Errorf("%w, got nil", ErrNotString)
		}
		return "", fmt.Errorf("%w, got %s", ErrNotString, obj.Type().Name())
	}
	if str == nil {
		return "", fmt.Errorf("%w, got nil *Str", ErrNotString)
	}
	if !utf8.Valid(str.data) {
		offset := 0
		for offset < len(str.data) {
			r, size := utf8.DecodeRune(str.data[offset:])
			if r == utf8.RuneError && size <= 1 {
				break
			}
			offset += size
		}
		return "", &UnicodeError{Offset: offset}
	}
	return string(str.data), nil
}
