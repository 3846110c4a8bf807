package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonical(t *testing.T, v any) string {
	t.Helper()
	b, err := MarshalCanonical(v)
	require.NoError(t, err)
	return string(b)
}

func TestMarshalCanonicalScalars(t *testing.T) {
	cases := map[string]struct {
		in   any
		want string
	}{
		"ir string":    {IRString("cc"), `"cc"`},
		"blank":        {IRString(""), `""`},
		"exit code":    {IRInt(-1), "-1"},
		"int64 bound":  {IRInt(-9223372036854775808), "-9223372036854775808"},
		"flag":         {IRBool(false), "false"},
		"plain int":    {3, "3"},
		"plain int64":  {int64(1 << 40), "1099511627776"},
		"plain bool":   {true, "true"},
		"plain string": {"out/app", `"out/app"`},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, c.want, canonical(t, c.in))
		})
	}
}

func TestMarshalCanonicalContainers(t *testing.T) {
	assert.Equal(t, "[]", canonical(t, IRArray{}))
	assert.Equal(t, "{}", canonical(t, IRObject{}))
	assert.Equal(t, `["-c","true"]`, canonical(t, []string{"-c", "true"}), "argv keeps order")
	assert.Equal(t, `{"CC":"gcc","LANG":"C"}`, canonical(t, map[string]string{"LANG": "C", "CC": "gcc"}))
	assert.Equal(t, `[2,"x",false]`, canonical(t, []any{2, "x", false}))
	assert.Equal(t, `{"n":1,"tags":["c"]}`, canonical(t, map[string]any{"tags": []string{"c"}, "n": 1}))
}

func TestMarshalCanonicalPipDescription(t *testing.T) {
	desc := IRObject{
		"outputs": SortedStrings([]string{"out/b", "out/a", "out/a"}),
		"args":    Strings([]string{"-c", "cp in out"}),
		"env":     StringMap(map[string]string{"Z": "1", "A": "2"}),
	}
	assert.Equal(t,
		`{"args":["-c","cp in out"],"env":{"A":"2","Z":"1"},"outputs":["out/a","out/b"]}`,
		canonical(t, desc))
}

func TestMarshalCanonicalKeyOrderIsUTF16(t *testing.T) {
	// U+10000 encodes as the surrogate 0xD800, which sorts before U+E000.
	got := canonical(t, IRObject{"\uE000": IRInt(1), "𐀀": IRInt(2)})
	assert.Equal(t, `{"𐀀":2,"`+"\uE000"+`":1}`, got)
}

func TestMarshalCanonicalRejects(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"float64", 1.5, "float"},
		{"float32 in map", map[string]any{"x": float32(0.5)}, "float"},
		{"nil in slice", []any{"a", nil}, "null"},
		{"struct", struct{}{}, "unsupported"},
		{"channel in slice", []any{make(chan int)}, "unsupported"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := MarshalCanonical(c.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.want)
		})
	}
}

func TestMarshalCanonicalRejectsNilInsideIRTree(t *testing.T) {
	_, err := MarshalCanonical(IRObject{"outer": IRArray{IRString("a"), nil}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errNull)
	assert.Contains(t, err.Error(), `object["outer"]: array[1]`)
}

func TestMarshalCanonicalNormalizesPaths(t *testing.T) {
	composed := "caf\u00e9.c"
	decomposed := "cafe\u0301.c"

	assert.Equal(t,
		canonical(t, IRObject{composed: IRString(composed)}),
		canonical(t, IRObject{decomposed: IRString(decomposed)}),
		"equivalent paths must encode identically")
}

func TestMarshalCanonicalEscapes(t *testing.T) {
	cases := []struct{ in, want string }{
		{"line\nbreak", `"line\nbreak"`},
		{"col\tumn", `"col\tumn"`},
		{"cr\r", `"cr\r"`},
		{"bell\a", `"bell\u0007"`},
		{"\x1f", `"\u001f"`},
		{`say "hi"`, `"say \"hi\""`},
		{`C:\src`, `"C:\\src"`},
		{"<a & b>", `"<a & b>"`},
		{"a\u2028b", "\"a\u2028b\""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, canonical(t, IRString(c.in)), "%q", c.in)
	}
}

func TestMarshalCanonicalStable(t *testing.T) {
	build := func() IRObject {
		env := map[string]string{}
		for _, k := range []string{"PATH", "HOME", "LANG", "TMP", "CC"} {
			env[k] = "v-" + k
		}
		return IRObject{"env": StringMap(env), "cwd": IRString("/w")}
	}

	first := canonical(t, build())
	for range 20 {
		assert.Equal(t, first, canonical(t, build()))
	}
}
