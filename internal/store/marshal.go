package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Output lists and observed inputs are stored as JSON TEXT columns.

// encodeList renders list as compact JSON. A nil list is stored as [] so
// the column never holds null. HTML escaping is off so paths with <, > or &
// are stored as written.
func encodeList[T any](column string, list []T) (string, error) {
	if list == nil {
		list = []T{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(list); err != nil {
		return "", fmt.Errorf("encode %s: %w", column, err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func decodeList[T any](column, data string) ([]T, error) {
	var list []T
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", column, err)
	}
	return list, nil
}
