// Package contentrange parses the Content-Range header of HTTP partial
// responses (RFC 7233 section 4.2).
package contentrange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrParse            = errors.New("content-range parse error")
	ErrUnsupportedUnit  = errors.New("unsupported unit")
	ErrUnsupportedField = errors.New("unsupported field")
)

// Range is a parsed Content-Range value. First and Last are -1 for an
// unsatisfied range ("bytes */1234"), Length is -1 if the complete length
// is unknown ("bytes 0-9/*").
type Range struct {
	First  int64
	Last   int64
	Length int64
}

// Len returns the number of bytes covered by the range, or 0 for an
// unsatisfied range.
func (r Range) Len() int64 {
	if r.First < 0 {
		return 0
	}
	return r.Last - r.First + 1
}

func (r Range) String() string {
	length := "*"
	if r.Length >= 0 {
		length = strconv.FormatInt(r.Length, 10)
	}
	if r.First < 0 {
		return "bytes */" + length
	}
	return fmt.Sprintf("bytes %d-%d/%s", r.First, r.Last, length)
}

// Parse parses content of a Content-Range header.
func Parse(str string) (Range, error) {
	bad := Range{First: -1, Last: -1, Length: -1}

	fields := strings.FieldsFunc(str, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '/'
	})
	if len(fields) == 0 {
		return bad, ErrParse
	}
	if fields[0] != "bytes" {
		return bad, ErrUnsupportedUnit
	}

	switch len(fields) {
	case 4:
		first, err := parseNonNegative(fields[1])
		if err != nil {
			return bad, fmt.Errorf("can't parse first: %w", err)
		}
		last, err := parseNonNegative(fields[2])
		if err != nil {
			return bad, fmt.Errorf("can't parse last: %w", err)
		}
		if last < first {
			return bad, fmt.Errorf("last %d before first %d: %w", last, first, ErrParse)
		}
		length := int64(-1)
		if fields[3] != "*" {
			length, err = parseNonNegative(fields[3])
			if err != nil {
				return bad, fmt.Errorf("can't parse length: %w", err)
			}
			if last >= length {
				return bad, fmt.Errorf("last %d outside length %d: %w", last, length, ErrParse)
			}
		}
		return Range{First: first, Last: last, Length: length}, nil

	case 3:
		if fields[1] != "*" {
			return bad, ErrUnsupportedField
		}
		length, err := parseNonNegative(fields[2])
		if err != nil {
			return bad, fmt.Errorf("can't parse length: %w", err)
		}
		return Range{First: -1, Last: -1, Length: length}, nil
	}

	return bad, ErrParse
}

func parseNonNegative(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrParse
	}
	return n, nil
}
