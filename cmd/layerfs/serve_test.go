package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/internal/config"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServeMux(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Layers = []config.LayerConfig{{
		Backend: config.BackendConfig{Kind: "direct", Path: t.TempDir(), Write: true},
		Filters: []config.FilterConfig{{Kind: "deflate"}, {Kind: "instrument", Name: "site"}},
	}}
	reg := prometheus.NewRegistry()
	v, err := (&config.Builder{Registry: reg}).Build(cfg)
	require.NoError(t, err)
	defer v.Close()
	require.NoError(t, layerfs.WriteFile(v.Root(), layerfs.P("docs/readme.txt"), []byte("served")))

	srv := httptest.NewServer(newServeMux(v, reg))
	defer srv.Close()

	code, body := get(t, srv.URL+"/docs/readme.txt")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "served", body)

	code, body = get(t, srv.URL+"/docs/")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "readme.txt")

	code, _ = get(t, srv.URL+"/missing.txt")
	require.Equal(t, http.StatusNotFound, code)

	code, body = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `layerfs_vfs_bytes_total{direction="read",store="site"}`)
}
