package server

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/plugin"
	"github.com/buntime/buntime/registry"
)

func TestDispatchProxiesToWorker(t *testing.T) {
	env := newTestEnv(t)
	installStub(t, env.root, "hello", "1.0.0", "echo")

	resp, err := http.Get(env.srv.URL + "/hello/greet")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "pid:"))
}

func TestDispatchVersionSelection(t *testing.T) {
	env := newTestEnv(t)
	installStub(t, env.root, "hello", "1.0.0", "one")
	installStub(t, env.root, "hello", "2.0.0", "two")

	// No range: highest stable version wins
	resp, err := http.Get(env.srv.URL + "/hello/")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "two", resp.Header.Get("X-Mode"))

	// Pinned range selects the older version
	resp, err = http.Get(env.srv.URL + "/hello@1/")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "one", resp.Header.Get("X-Mode"))
}

func TestDispatchAppNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/missing/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "AppNotFound", body.Code)
	assert.NotEmpty(t, body.Message)
}

func TestDispatchNoRangeMatch(t *testing.T) {
	env := newTestEnv(t)
	installStub(t, env.root, "hello", "1.0.0", "echo")

	resp, err := http.Get(env.srv.URL + "/hello@2/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPluginRequestHookShortCircuits(t *testing.T) {
	plugin.RegisterBuiltin("short-circuit", func(map[string]interface{}) (*plugin.Plugin, error) {
		return &plugin.Plugin{
			Name:     "short-circuit",
			Priority: 10,
			OnRequest: func(r *http.Request, app *registry.App) (*plugin.Response, error) {
				if r.Header.Get("X-Block") == "" {
					return nil, nil
				}
				return &plugin.Response{
					Status:  http.StatusTeapot,
					Headers: http.Header{"X-Plugin": {"short-circuit"}},
					Body:    []byte("blocked"),
				}, nil
			},
		}, nil
	})

	env := newTestEnv(t, "short-circuit")
	installStub(t, env.root, "hello", "1.0.0", "echo")

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/hello/", nil)
	req.Header.Set("X-Block", "yes")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short-circuit", resp.Header.Get("X-Plugin"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "blocked", string(body))

	// Without the trigger header the request reaches the worker
	resp, err = http.Get(env.srv.URL + "/hello/")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPluginResponseHookDecorates(t *testing.T) {
	plugin.RegisterBuiltin("decorator", func(map[string]interface{}) (*plugin.Plugin, error) {
		return &plugin.Plugin{
			Name: "decorator",
			OnResponse: func(r *http.Request, resp *plugin.ProxyResponse) error {
				resp.Headers.Set("X-Decorated", "true")
				return nil
			},
		}, nil
	})

	env := newTestEnv(t, "decorator")
	installStub(t, env.root, "hello", "1.0.0", "echo")

	resp, err := http.Get(env.srv.URL + "/hello/")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Decorated"))
}

func TestPluginRoutesWinOverApps(t *testing.T) {
	plugin.RegisterBuiltin("panel", func(map[string]interface{}) (*plugin.Plugin, error) {
		return &plugin.Plugin{
			Name: "panel",
			Base: "/panel",
			Routes: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("panel route"))
			}),
		}, nil
	})

	env := newTestEnv(t, "panel")

	resp, err := http.Get(env.srv.URL + "/panel/anything")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "panel route", string(body))

	// The plugin shows up on the admin listing
	resp, err = http.Get(env.srv.URL + "/_/plugins")
	require.NoError(t, err)
	defer resp.Body.Close()
	var listing struct {
		Plugins []pluginInfo `json:"plugins"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Plugins, 1)
	assert.Equal(t, "panel", listing.Plugins[0].Name)
	assert.Equal(t, "/panel", listing.Plugins[0].Base)
}

func TestDispatchRejectedWhileDraining(t *testing.T) {
	env := newTestEnv(t)
	installStub(t, env.root, "hello", "1.0.0", "echo")
	env.rt.setState(ServerStateDraining)

	resp, err := http.Get(env.srv.URL + "/hello/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "PoolShutdown", body.Code)
}

// TestWebSocketBridge drives a raw upgrade through the worker socket
// bridge: the stub child answers 101 and echoes socket bytes.
func TestWebSocketBridge(t *testing.T) {
	env := newTestEnv(t)
	installStub(t, env.root, "wsapp", "1.0.0", "ws")

	addr := env.srv.Listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /wsapp/ HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "101")

	// Skip remaining response headers
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}
