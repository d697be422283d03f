package source

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/nrt-data-ingest/internal/retry"
)

func newTestFetcher(opts ...HTTPOption) *HTTPFetcher {
	opts = append([]HTTPOption{WithHTTPRetry(retry.Fixed(3, time.Millisecond))}, opts...)
	return NewHTTPFetcher(5*time.Second, slog.Default(), opts...)
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/file.txt":
			_, _ = w.Write([]byte("2002.0417 0.0 100.0\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newTestFetcher()
	dest := filepath.Join(t.TempDir(), "file.txt")

	t.Run("writes file", func(t *testing.T) {
		require.NoError(t, f.Fetch(context.Background(), srv.URL+"/data/file.txt", dest))
		b, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "2002.0417 0.0 100.0\n", string(b))
		assert.NoFileExists(t, dest+".part")
	})

	t.Run("missing file is ErrNotFound", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "missing.nc")
		err := f.Fetch(context.Background(), srv.URL+"/data/missing.nc", missing)
		require.ErrorIs(t, err, ErrNotFound)
		assert.NoFileExists(t, missing)
	})
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, newTestFetcher().Fetch(context.Background(), srv.URL+"/x", dest))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcher_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := newTestFetcher().Fetch(context.Background(), srv.URL+"/x", filepath.Join(t.TempDir(), "out"))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcher_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "earth" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("granted"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, newTestFetcher(WithBasicAuth("earth", "secret")).Fetch(context.Background(), srv.URL, dest))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "granted", string(b))
}

func TestHTTPFetcher_Gunzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("netcdf bytes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := newTestFetcher()

	plain := filepath.Join(dir, "file.nc")
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/file.nc.gz", plain))
	b, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Equal(t, "netcdf bytes", string(b))

	kept := filepath.Join(dir, "file.nc.gz")
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/file.nc.gz", kept))
	b, err = os.ReadFile(kept)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), b)
}

func TestHTTPFetcher_List(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<a href="../">Parent</a>
<a href="/drive/files/GRCTellus.JPL.200204_202311.GLO.RL06.1M.MSCNv03CRI_greenland_mass_200204_202311.txt">g</a>
<a href="antarctica_mass.txt?download=1">a</a>
<a name="anchor">x</a>
<a href="sub/">sub</a>
</body></html>`))
	}))
	defer srv.Close()

	names, err := newTestFetcher().List(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GRCTellus.JPL.200204_202311.GLO.RL06.1M.MSCNv03CRI_greenland_mass_200204_202311.txt",
		"antarctica_mass.txt",
		"sub",
	}, names)
}
