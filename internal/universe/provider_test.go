package universe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotCSV = "Code,Name\n005930,Samsung Electronics\n000660,SK hynix\n035420,NAVER\n207940,Samsung Biologics\n"

func newTestProvider(t *testing.T, remote *httptest.Server) *Provider {
	t.Helper()
	p := New(filepath.Join(t.TempDir(), "krx.csv"))
	if remote != nil {
		p.URL = remote.URL
	} else {
		p.URL = "http://127.0.0.1:1/unreachable"
	}
	return p
}

func okRemote(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadDownloadsWhenMissing(t *testing.T) {
	srv := okRemote(t, snapshotCSV)
	p := newTestProvider(t, srv)

	symbols, err := p.Load(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930", "000660", "035420", "207940"}, symbols)
}

func TestLoadHonorsLimitInFileOrder(t *testing.T) {
	srv := okRemote(t, snapshotCSV)
	p := newTestProvider(t, srv)

	symbols, err := p.Load(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930", "000660"}, symbols)
}

func TestLoadUsesFreshFileWithoutRefetch(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(snapshotCSV))
	}))
	defer srv.Close()
	p := newTestProvider(t, nil)
	p.URL = srv.URL

	_, err := p.Load(context.Background(), 10)
	require.NoError(t, err)
	_, err = p.Load(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, hits, "fresh snapshot must not be re-downloaded")
}

func TestLoadRefreshesStaleFile(t *testing.T) {
	srv := okRemote(t, "Code\n111111\n")
	p := newTestProvider(t, srv)

	require.NoError(t, os.WriteFile(p.Path, []byte("Code\n999999\n"), 0644))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(p.Path, stale, stale))

	symbols, err := p.Load(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"111111"}, symbols)
}

func TestStaleFileServedWhenRefreshFails(t *testing.T) {
	p := newTestProvider(t, nil) // unreachable remote

	require.NoError(t, os.WriteFile(p.Path, []byte("Code\n999999\n"), 0644))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(p.Path, stale, stale))

	// Degrades silently to the stale snapshot.
	symbols, err := p.Load(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"999999"}, symbols)
}

func TestMissingFileAndFailedRefreshIsFatal(t *testing.T) {
	p := newTestProvider(t, nil)

	_, err := p.Load(context.Background(), 10)
	require.Error(t, err)
}

func TestRefreshRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	p := newTestProvider(t, nil)
	p.URL = srv.URL

	_, err := p.Load(context.Background(), 10)
	require.Error(t, err)
}

func TestLowercaseCodeColumn(t *testing.T) {
	srv := okRemote(t, "name,code\nSamsung,005930\n")
	p := newTestProvider(t, srv)

	symbols, err := p.Load(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, symbols)
}

func TestNoCodeColumn(t *testing.T) {
	srv := okRemote(t, "Symbol,Name\n005930,Samsung\n")
	p := newTestProvider(t, srv)

	_, err := p.Load(context.Background(), 10)
	require.Error(t, err)
}
