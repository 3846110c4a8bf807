package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/retry"
)

func newServer(t *testing.T) (*httptest.Server, *cas.DiskStore) {
	t.Helper()
	disk, err := cas.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer("", disk).Handler())
	t.Cleanup(srv.Close)
	return srv, disk
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(url)
	require.NoError(t, err)
	return c
}

func TestClientServerRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, disk := newServer(t)
	c := newClient(t, srv.URL)

	for _, data := range [][]byte{{}, []byte("remote blob")} {
		h, err := c.Put(ctx, data)
		require.NoError(t, err)

		ok, err := c.Contains(ctx, h)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := c.Get(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, string(data), string(got))

		ok, err = disk.Contains(ctx, h)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestClientMissing(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t)
	c := newClient(t, srv.URL)
	h := ir.HashBytes([]byte("absent"))

	ok, err := c.Contains(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Get(ctx, h)
	assert.ErrorIs(t, err, cas.ErrNotFound)
}

func TestServerRejectsWrongHash(t *testing.T) {
	srv, _ := newServer(t)
	h := ir.HashBytes([]byte("claimed"))
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/cas/"+h.String(), strings.NewReader("actual"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerRejectsMalformedHash(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/cas/not-a-hash")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHello(t *testing.T) {
	srv, _ := newServer(t)
	out, err := newClient(t, srv.URL).Hello(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "sha256", out.HashAlgorithm)
	assert.Equal(t, ir.EngineVersion, out.Version)
}

func TestHelloDeadline(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		slow.Close()
	})

	start := time.Now()
	_, err := newClient(t, slow.URL).Hello(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), HelloTimeout+time.Second)
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	srv, _ := newServer(t)
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Get(context.Background(), ir.HashBytes([]byte("x")))
	assert.ErrorIs(t, err, cas.ErrStoreUnavailable)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(broken.Close)

	_, err := newClient(t, broken.URL).Contains(context.Background(), ir.HashBytes([]byte("x")))
	assert.ErrorIs(t, err, cas.ErrStoreUnavailable)
}

func TestNewClientRejectsScheme(t *testing.T) {
	_, err := NewClient("ftp://cache")
	assert.Error(t, err)
}

func TestTieredStoreOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv, remoteDisk := newServer(t)
	h, err := remoteDisk.Put(ctx, []byte("shared artifact"))
	require.NoError(t, err)

	local, err := cas.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ts := cas.NewTieredStore(local,
		cas.WithRemote(newClient(t, srv.URL)),
		cas.WithRetryPolicy(retry.NewPolicy(retry.Fixed, time.Millisecond, time.Millisecond, 0)))

	got, err := ts.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "shared artifact", string(got))
	ok, _ := local.Contains(ctx, h)
	assert.True(t, ok)
}
