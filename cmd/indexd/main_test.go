package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func writeConfig(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "content"), 0o755))
	path := filepath.Join(dir, "indexd.yaml")
	yaml := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
  shutdown_timeout: 3s
logging:
  level: warn
source:
  root: %s
status:
  path: %s
vector_store:
  provider: sqlite
  sqlite:
    path: %s
`, port, filepath.Join(dir, "content"), filepath.Join(dir, "status.db"), filepath.Join(dir, "vectors.db"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestRunServe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	port := freePort(t)
	cfgPath := writeConfig(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- runServe(ctx, cfgPath)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Post(base+"/v1/content/post/1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(base + "/v1/stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Contains(t, stats, "total")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(8 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}

func TestRunServe_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o600))

	err := runServe(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
}

func TestInitLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "debug"

	var buf bytes.Buffer
	log, err := initLogger(cfg, &buf, nil)
	require.NoError(t, err)
	log.Underlying().Info("hello")
	_ = log.Sync()
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	cfg.Logging.Level = "loud"
	_, err = initLogger(cfg, &buf, nil)
	assert.Error(t, err)
}
