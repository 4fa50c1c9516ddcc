package server

import (
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/registry"
	"github.com/buntime/buntime/worker"
)

// TestMain doubles as the stub worker child, same trick as the pool
// tests: the pool spawns the test binary with the app's entrypoint file
// as its argument, and the file's content selects the behaviour.
func TestMain(m *testing.M) {
	if os.Getenv("BUNTIME_WORKER_ID") != "" && len(os.Args) > 1 {
		runStubChild(os.Args[1])
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runStubChild(entrypoint string) {
	data, err := os.ReadFile(entrypoint)
	if err != nil {
		os.Exit(3)
	}
	mode := strings.TrimSpace(string(data))

	c := worker.NewCodec(os.Stdin, os.Stdout)
	_ = c.Write(&worker.Frame{Type: worker.FrameReady, WorkerID: os.Getenv("BUNTIME_WORKER_ID")})

	upgraded := make(map[string]bool)
	for {
		f, err := c.Read()
		if err != nil {
			return
		}
		switch f.Type {
		case worker.FrameTerminate:
			os.Exit(0)

		case worker.FrameRequest:
			if mode == "ws" && len(f.Headers["Upgrade"]) > 0 {
				upgraded[f.ID] = true
				_ = c.Write(&worker.Frame{Type: worker.FrameResponse, ID: f.ID, Status: 101,
					Headers: map[string][]string{"Upgrade": {"websocket"}, "Connection": {"Upgrade"}}})
			}

		case worker.FrameBodyEnd:
			if upgraded[f.ID] {
				continue
			}
			_ = c.Write(&worker.Frame{Type: worker.FrameResponse, ID: f.ID, Status: 200,
				Headers: map[string][]string{
					"Content-Type": {"text/plain"},
					"X-Mode":       {mode},
				}})
			_ = c.Write(&worker.Frame{Type: worker.FrameBody, ID: f.ID,
				Data: []byte(fmt.Sprintf("pid:%d", os.Getpid()))})
			_ = c.Write(&worker.Frame{Type: worker.FrameBodyEnd, ID: f.ID})

		case worker.FrameSocket:
			// Raw echo over the socket bridge
			_ = c.Write(&worker.Frame{Type: worker.FrameSocket, ID: f.ID, Data: f.Data})
		}
	}
}

const stubManifest = "name = \"%s\"\nversion = \"%s\"\ntimeout = 5\nttl = 300\nidleTimeout = 60\n"

// installStub writes a stub app version under the worker root
func installStub(t *testing.T, root, name, version, mode string) {
	t.Helper()
	dir := filepath.Join(root, name, version)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(mode), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, registry.ManifestFile),
		[]byte(fmt.Sprintf(stubManifest, name, version)), 0644))
}

type testEnv struct {
	rt   *Runtime
	srv  *httptest.Server
	root string
}

// newTestEnv builds a runtime over a temp worker directory and serves it
// through httptest. The event hub broadcast loop is not started; tests
// that need it drive the hub directly.
func newTestEnv(t *testing.T, plugins ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	self, err := os.Executable()
	require.NoError(t, err)

	cfg := &config.Config{
		Env:                  "development",
		WorkerDirs:           root,
		PluginDirs:           t.TempDir(),
		Runner:               self,
		PoolSize:             4,
		Plugins:              plugins,
		SweepIntervalSeconds: 1,
		SpawnRatePerSecond:   200,
		SpawnBurst:           50,
	}

	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.plugins.InitAll(rt.pluginConfigs))
	rt.setState(ServerStateRunning)

	srv := httptest.NewServer(rt)
	t.Cleanup(func() {
		srv.Close()
		rt.pool.Shutdown(2 * time.Second)
		rt.cancel()
	})
	return &testEnv{rt: rt, srv: srv, root: root}
}
