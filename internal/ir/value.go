package ir

import (
	"maps"
	"slices"
	"unicode/utf16"
)

// IRValue is a sealed interface for values that may appear in a canonical
// fingerprint description. Only types in this package implement it.
type IRValue interface {
	irValue()
}

// IRString is a string value.
type IRString string

func (IRString) irValue() {}

// IRInt is an integer value. There is deliberately no float type: float
// formatting is not stable enough to hash.
type IRInt int64

func (IRInt) irValue() {}

// IRBool is a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray is an ordered list of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject is a string-keyed map of values. Keys are serialized in RFC 8785
// order regardless of insertion order.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// Strings converts a string slice to an IRArray preserving order.
func Strings(values []string) IRArray {
	arr := make(IRArray, len(values))
	for i, v := range values {
		arr[i] = IRString(v)
	}
	return arr
}

// SortedStrings converts a string slice to an IRArray in sorted order with
// duplicates removed. Use it for set-valued fields where declaration order
// carries no meaning.
func SortedStrings(values []string) IRArray {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return Strings(sorted)
}

// StringMap converts a map of strings to an IRObject.
func StringMap(m map[string]string) IRObject {
	obj := make(IRObject, len(m))
	for k, v := range m {
		obj[k] = IRString(v)
	}
	return obj
}

// SortedKeys returns the keys in the order they are serialized: by UTF-16
// code units, which differs from byte order above the BMP.
func (obj IRObject) SortedKeys() []string {
	keys := slices.Collect(maps.Keys(obj))
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}
