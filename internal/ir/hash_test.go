package ir

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytesKnownVector(t *testing.T) {
	h := HashBytes(nil)
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", h.String())
	assert.False(t, h.IsZero())
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	data := []byte(strings.Repeat("hermetic", 10000))
	streamed, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), streamed)
}

func TestParseContentHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("payload"))

	parsed, err := ParseContentHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	bare, err := ParseContentHash(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, bare)
}

func TestParseContentHashErrors(t *testing.T) {
	for _, in := range []string{"md5:abcd", "sha256:zz", "sha256:abcd"} {
		_, err := ParseContentHash(in)
		assert.ErrorIs(t, err, ErrInvalidHash, in)
	}
}

func TestContentHashJSON(t *testing.T) {
	type wrapper struct {
		H ContentHash       `json:"h"`
		W WeakFingerprint   `json:"w"`
		S StrongFingerprint `json:"s"`
	}
	in := wrapper{
		H: HashBytes([]byte("a")),
		W: NewWeakFingerprint([]byte(`{"executable":"/bin/sh"}`)),
	}
	in.S = NewStrongFingerprint(in.W, NewSelector(HashBytes([]byte("b")), nil))

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"h":"sha256:`)

	var out wrapper
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestAbsentHashDistinctFromEmpty(t *testing.T) {
	assert.NotEqual(t, HashBytes(nil), AbsentHash)
	assert.NotEqual(t, HashBytes([]byte{}), AbsentHash)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("same bytes")
	assert.NotEqual(t, HashWithDomain(DomainWeak, data), HashWithDomain(DomainStrong, data))
	assert.NotEqual(t, HashBytes(data), HashWithDomain(DomainWeak, data))
}

func TestWeakFingerprintDeterministic(t *testing.T) {
	desc := []byte(`{"args":["-c","true"],"executable":"/bin/sh"}`)
	assert.Equal(t, NewWeakFingerprint(desc), NewWeakFingerprint(desc))
	assert.NotEqual(t, NewWeakFingerprint(desc), NewWeakFingerprint(append(desc, ' ')))
}

func TestStrongFingerprintDependsOnSelector(t *testing.T) {
	weak := NewWeakFingerprint([]byte("desc"))
	h := HashBytes([]byte("inputs"))

	a := NewStrongFingerprint(weak, NewSelector(h, nil))
	b := NewStrongFingerprint(weak, NewSelector(h, []byte{1}))
	c := NewStrongFingerprint(weak, NewSelector(HashBytes([]byte("other")), nil))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, NewStrongFingerprint(weak, NewSelector(h, []byte{})))
}
