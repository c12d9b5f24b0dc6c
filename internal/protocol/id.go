package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID correlates a Request with its Response. It is either an integer
// or a string. The zero value is the integer id 0.
//
// RequestID is comparable, so it can be used with == and as a map key.
type RequestID struct {
	num   int64
	str   string
	isStr bool
}

// NewIntID creates an integer request id
func NewIntID(n int64) RequestID {
	return RequestID{num: n}
}

// NewStringID creates a string request id
func NewStringID(s string) RequestID {
	return RequestID{str: s, isStr: true}
}

// IsString reports whether the id was created from a string
func (id RequestID) IsString() bool {
	return id.isStr
}

// Int returns the integer value and whether the id is an integer
func (id RequestID) Int() (int64, bool) {
	return id.num, !id.isStr
}

// Str returns the string value and whether the id is a string
func (id RequestID) Str() (string, bool) {
	return id.str, id.isStr
}

// String renders integer ids bare and string ids quoted, so 1 and "1" stay
// distinguishable in logs.
func (id RequestID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty request id")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string request id: %w", err)
		}
		*id = NewStringID(s)
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("request id must be an integer, got %s", data)
		}
		*id = NewIntID(n)
		return nil
	default:
		return fmt.Errorf("request id must be an integer or a string, got %s", data)
	}
}
