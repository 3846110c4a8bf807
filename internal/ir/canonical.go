package ir

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

var (
	errNull  = errors.New("null is forbidden in canonical JSON")
	errFloat = errors.New("floats are forbidden in canonical JSON")
)

// MarshalCanonical renders v as RFC 8785 JSON. Fingerprints and trace
// snapshots are hashed over this encoding and nothing else.
//
// v may be an IRValue or one of string, int, int64, bool, []string,
// map[string]string, []any or map[string]any. Object keys are ordered by
// UTF-16 code units, strings are NFC normalized and only the characters
// JSON requires are escaped. Floats and null are errors.
func MarshalCanonical(v any) ([]byte, error) {
	val, err := lift(v)
	if err != nil {
		return nil, err
	}
	return appendValue(nil, val), nil
}

// lift turns a plain Go value into the IR tree it denotes.
func lift(v any) (IRValue, error) {
	switch x := v.(type) {
	case nil:
		return nil, errNull
	case IRValue:
		return x, checkTree(x)
	case string:
		return IRString(x), nil
	case int:
		return IRInt(x), nil
	case int64:
		return IRInt(x), nil
	case bool:
		return IRBool(x), nil
	case []string:
		return Strings(x), nil
	case map[string]string:
		return StringMap(x), nil
	case []any:
		arr := make(IRArray, len(x))
		for i, e := range x {
			ev, err := lift(e)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(x))
		for k, e := range x {
			ev, err := lift(e)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	case float32, float64:
		return nil, fmt.Errorf("%w: %v", errFloat, x)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// checkTree rejects nil members of an IR tree built by hand.
func checkTree(v IRValue) error {
	switch x := v.(type) {
	case IRArray:
		for i, e := range x {
			if e == nil {
				return fmt.Errorf("array[%d]: %w", i, errNull)
			}
			if err := checkTree(e); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
	case IRObject:
		for k, e := range x {
			if e == nil {
				return fmt.Errorf("object[%q]: %w", k, errNull)
			}
			if err := checkTree(e); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
	}
	return nil
}

func appendValue(dst []byte, v IRValue) []byte {
	switch x := v.(type) {
	case IRString:
		return appendString(dst, string(x))
	case IRInt:
		return strconv.AppendInt(dst, int64(x), 10)
	case IRBool:
		return strconv.AppendBool(dst, bool(x))
	case IRArray:
		dst = append(dst, '[')
		for i, e := range x {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendValue(dst, e)
		}
		return append(dst, ']')
	case IRObject:
		dst = append(dst, '{')
		for i, k := range x.SortedKeys() {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendString(dst, k)
			dst = append(dst, ':')
			dst = appendValue(dst, x[k])
		}
		return append(dst, '}')
	}
	panic(fmt.Sprintf("ir: unknown value type %T", v))
}

// shortEscapes holds the two-character escapes RFC 8785 prefers over \u00XX.
var shortEscapes = [0x20]string{
	'\b': `\b`, '\t': `\t`, '\n': `\n`, '\f': `\f`, '\r': `\r`,
}

func appendString(dst []byte, s string) []byte {
	const hex = "0123456789abcdef"
	s = norm.NFC.String(s)
	dst = append(dst, '"')
	for i := range len(s) {
		switch c := s[i]; {
		case c == '"' || c == '\\':
			dst = append(dst, '\\', c)
		case c >= 0x20:
			dst = append(dst, c)
		case shortEscapes[c] != "":
			dst = append(dst, shortEscapes[c]...)
		default:
			dst = append(dst, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
		}
	}
	return append(dst, '"')
}
