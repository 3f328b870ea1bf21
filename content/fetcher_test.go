package content

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/gigbook/offline-cache"
)

func TestProxyFetcherEncodesUpstreamURL(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proxy", r.URL.Path)
		gotURL = r.URL.Query().Get("url")
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3 bytes"))
	}))
	defer srv.Close()

	f := NewProxyFetcher(srv.URL, srv.Client())
	res, err := f.Fetch(context.Background(), "https://cdn.example/a song.mp3?v=2")
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()

	require.Equal(t, "https://cdn.example/a song.mp3?v=2", gotURL)
	require.Equal(t, "audio/mpeg", res.ContentType)
	require.Equal(t, int64(9), res.ContentLength)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("mp3 bytes"), body)
}

func TestProxyFetcherSurfacesFailureBodyVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream said no"))
	}))
	defer srv.Close()

	f := NewProxyFetcher(srv.URL, srv.Client())
	_, err := f.Fetch(context.Background(), "https://cdn.example/x")

	var nerr *offlinecache.NetworkError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, http.StatusBadGateway, nerr.Status)
	require.Equal(t, []byte("upstream said no"), nerr.Body)
}
