package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/pool"
)

func TestAdminProbes(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/_/health", "/_/live", "/_/ready"} {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err, path)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAdminReadyWhileDraining(t *testing.T) {
	env := newTestEnv(t)
	env.rt.state.Store(int32(ServerStateDraining))

	// Readiness flips, but health keeps answering
	resp, err := http.Get(env.srv.URL + "/_/ready")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/_/health")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/_/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminMetrics(t *testing.T) {
	env := newTestEnv(t)
	installStub(t, env.root, "hello", "1.0.0", "echo")

	resp, err := http.Get(env.srv.URL + "/hello/")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/_/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var m pool.Metrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, 4, m.MaxSize)
	require.Len(t, m.Lanes, 1)
	assert.Equal(t, "hello", m.Lanes[0].App)
}

// archiveUpload builds a multipart body holding a tgz app bundle
func archiveUpload(t *testing.T, filename string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var tgz bytes.Buffer
	gz := gzip.NewWriter(&tgz)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("archive", filename)
	require.NoError(t, err)
	_, err = io.Copy(part, &tgz)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestAdminInstallListUninstall(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := archiveUpload(t, "blog-1.2.0.tgz", map[string]string{
		"manifest": "name = \"blog\"\nversion = \"1.2.0\"\n",
		"index.js": "echo",
	})
	resp, err := http.Post(env.srv.URL+"/_/apps", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "blog", created["name"])
	assert.Equal(t, "1.2.0", created["version"])

	resp, err = http.Get(env.srv.URL + "/_/apps")
	require.NoError(t, err)
	var listing struct {
		Apps []appInfo `json:"apps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Apps, 1)
	assert.Equal(t, "blog", listing.Apps[0].Name)

	// The installed app serves immediately
	resp, err = http.Get(env.srv.URL + "/blog/")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/_/apps/blog/1.2.0", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/_/apps")
	require.NoError(t, err)
	listing.Apps = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	assert.Empty(t, listing.Apps)
}

func TestAdminInstallRejectsBadManifest(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := archiveUpload(t, "bad.tgz", map[string]string{
		"manifest": "name = \"bad\"\nversion = \"not-semver\"\n",
		"index.js": "echo",
	})
	resp, err := http.Post(env.srv.URL+"/_/apps", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "InvalidManifest", errResp.Code)
}

func TestAdminConfigGetAndPatch(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/_/config")
	require.NoError(t, err)
	var view configView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, 4, view.PoolSize)
	assert.Equal(t, 0, view.DelayMS)

	patch := strings.NewReader(`{"delay_ms": 250}`)
	req, _ := http.NewRequest(http.MethodPatch, env.srv.URL+"/_/config", patch)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/_/config")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, 250, view.DelayMS)

	// Negative delay is refused
	req, _ = http.NewRequest(http.MethodPatch, env.srv.URL+"/_/config",
		strings.NewReader(`{"delay_ms": -1}`))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.srv.URL+"/_/health", "application/json", nil)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEventsStreamBroadcastsMetrics(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/_/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription registers just after the handshake; keep
	// broadcasting until the client sees a snapshot.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.rt.events.broadcast(env.rt.pool.Metrics())
			}
		}
	}()

	var m pool.Metrics
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, 4, m.MaxSize)
}
