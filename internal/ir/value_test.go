package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedStringsDedupes(t *testing.T) {
	got := SortedStrings([]string{"c", "a", "b", "a"})
	assert.Equal(t, IRArray{IRString("a"), IRString("b"), IRString("c")}, got)
}

func TestStringsKeepsOrder(t *testing.T) {
	got := Strings([]string{"z", "a"})
	assert.Equal(t, IRArray{IRString("z"), IRString("a")}, got)
}

func TestCompareUTF16(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"a", "a", 0},
		{"a", "ab", -1},
		{"𐀀", "\uE000", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareUTF16(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestIRObjectSortedKeys(t *testing.T) {
	obj := IRObject{"zebra": IRInt(1), "alpha": IRInt(2), "Beta": IRInt(3)}
	assert.Equal(t, []string{"Beta", "alpha", "zebra"}, obj.SortedKeys())
}
