package meshline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/raskyld/meshline/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestStatusHandler(t *testing.T) {
	server := startDiscovery(t, context.Background())
	register(t, server.dir, "a", "127.0.0.1", 7001)
	register(t, server.dir, "b", "127.0.0.1", 7002)
	declare(t, server.dir, "a", wire.StateGetInputChannels, "127.0.0.1", 7001, "prices.close")
	declare(t, server.dir, "b", wire.StateGetOutputChannels, "127.0.0.1", 7002, "prices.close", "orders")

	api := httptest.NewServer(server.StatusHandler())
	defer api.Close()

	get := func(path string) (*http.Response, []byte) {
		t.Helper()
		resp, err := http.Get(api.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	resp, body := get("/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	resp, body = get("/api/outputchannels?prefix=prices.")
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var outputs wire.Directory
	require.NoError(t, json.Unmarshal(body, &outputs))
	require.Equal(t, wire.Directory{"prices.close": {"127.0.0.1:7002"}}, outputs)

	_, body = get("/api/inputchannels")
	var inputs wire.Directory
	require.NoError(t, json.Unmarshal(body, &inputs))
	require.Equal(t, wire.Directory{"prices.close": {"127.0.0.1:7001"}}, inputs)

	_, body = get("/api/routes")
	var routes []Route
	require.NoError(t, json.Unmarshal(body, &routes))
	require.Equal(t, []Route{{Channel: "prices.close", From: "127.0.0.1:7002", To: "127.0.0.1:7001"}}, routes)

	resp, body = get("/api/routes.dot")
	require.Equal(t, "text/vnd.graphviz", resp.Header.Get("Content-Type"))
	require.Contains(t, string(body), `"127.0.0.1:7002" -> "127.0.0.1:7001" [label="prices.close"];`)

	resp, _ = get("/api/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusHandlerEmptyRoutes(t *testing.T) {
	server := startDiscovery(t, context.Background())
	api := httptest.NewServer(server.StatusHandler())
	defer api.Close()

	resp, err := http.Get(api.URL + "/api/routes")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(body))
}
