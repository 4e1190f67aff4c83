package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/source"
)

type push struct {
	ref content.Ref
	op  content.Operation
}

type recordingPusher struct {
	mu     sync.Mutex
	pushes []push
	seen   map[push]bool
	err    error
}

func (p *recordingPusher) Push(_ context.Context, id int64, typ string, op content.Operation) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	ps := push{content.Ref{ID: id, Type: typ}, op}
	p.pushes = append(p.pushes, ps)
	if p.seen == nil {
		p.seen = make(map[push]bool)
	}
	if p.seen[ps] {
		return "", nil
	}
	p.seen[ps] = true
	return fmt.Sprintf("job-%d", len(p.pushes)), nil
}

func (p *recordingPusher) all() []push {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]push(nil), p.pushes...)
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATS(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	pusher := &recordingPusher{}
	sub := NewNATS(nc, NATSConfig{Subject: "indexd.content.events", Queue: "indexd"}, pusher, zaptest.NewLogger(t))
	require.NoError(t, sub.Start())
	t.Cleanup(func() { _ = sub.Stop() })

	request := func(t *testing.T, body string) Reply {
		t.Helper()
		msg, err := nc.Request("indexd.content.events", []byte(body), 2*time.Second)
		require.NoError(t, err)
		var r Reply
		require.NoError(t, json.Unmarshal(msg.Data, &r))
		return r
	}

	t.Run("update", func(t *testing.T) {
		r := request(t, `{"content_id":42,"content_type":"post","operation":"update"}`)
		assert.NotEmpty(t, r.JobID)
		assert.False(t, r.Duplicate)
		assert.Empty(t, r.Error)
	})

	t.Run("duplicate", func(t *testing.T) {
		r := request(t, `{"content_id":42,"content_type":"post","operation":"update"}`)
		assert.True(t, r.Duplicate)
	})

	t.Run("operation defaults to update", func(t *testing.T) {
		r := request(t, `{"content_id":7,"content_type":"page"}`)
		assert.Empty(t, r.Error)
	})

	t.Run("delete", func(t *testing.T) {
		r := request(t, `{"content_id":42,"content_type":"post","operation":"delete"}`)
		assert.NotEmpty(t, r.JobID)
	})

	t.Run("malformed", func(t *testing.T) {
		r := request(t, `{"content_id":`)
		assert.Contains(t, r.Error, "malformed event")
	})

	t.Run("unknown operation", func(t *testing.T) {
		r := request(t, `{"content_id":1,"content_type":"post","operation":"upsert"}`)
		assert.Contains(t, r.Error, "unknown operation")
	})

	assert.Equal(t, []push{
		{content.Ref{ID: 42, Type: "post"}, content.OpUpdate},
		{content.Ref{ID: 42, Type: "post"}, content.OpUpdate},
		{content.Ref{ID: 7, Type: "page"}, content.OpUpdate},
		{content.Ref{ID: 42, Type: "post"}, content.OpDelete},
	}, pusher.all())
}

func TestNATS_FireAndForget(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	pusher := &recordingPusher{}
	sub := NewNATS(nc, NATSConfig{Subject: "events"}, pusher, nil)
	require.NoError(t, sub.Start())

	require.NoError(t, nc.Publish("events", []byte(`{"content_id":3,"content_type":"link","operation":"update"}`)))
	require.NoError(t, nc.Flush())

	assert.Eventually(t, func() bool { return len(pusher.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sub.Stop())
	assert.NoError(t, sub.Stop(), "stopping twice is harmless")
}

func TestNATS_PushError(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	sub := NewNATS(nc, NATSConfig{Subject: "events"}, &recordingPusher{err: errors.New("scheduler closed")}, nil)
	require.NoError(t, sub.Start())
	t.Cleanup(func() { _ = sub.Stop() })

	msg, err := nc.Request("events", []byte(`{"content_id":3,"content_type":"link"}`), 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), "scheduler closed")
}

func TestNATS_RequiresSubject(t *testing.T) {
	sub := NewNATS(nil, NATSConfig{}, &recordingPusher{}, nil)
	assert.Error(t, sub.Start())
}

func writeManifest(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(`{"body":"hello"}`), 0o600))
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "post"), 0o755))

	fs, err := source.NewFS(root)
	require.NoError(t, err)

	pusher := &recordingPusher{}
	w := NewWatcher(fs, pusher, 100*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register its directories.
	time.Sleep(100 * time.Millisecond)

	post := filepath.Join(root, "post", "5.json")
	writeManifest(t, post)
	writeManifest(t, post)
	assert.Eventually(t, func() bool {
		return len(pusher.all()) == 1
	}, 2*time.Second, 10*time.Millisecond, "a burst of writes is one push")
	assert.Equal(t, push{content.Ref{ID: 5, Type: "post"}, content.OpUpdate}, pusher.all()[0])

	require.NoError(t, os.Remove(post))
	assert.Eventually(t, func() bool {
		all := pusher.all()
		return len(all) == 2 && all[1].op == content.OpDelete
	}, 2*time.Second, 10*time.Millisecond)

	// Directories created later are picked up.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "page"), 0o755))
	time.Sleep(100 * time.Millisecond)
	writeManifest(t, filepath.Join(root, "page", "9.json"))
	assert.Eventually(t, func() bool {
		all := pusher.all()
		return len(all) == 3 && all[2].ref == content.Ref{ID: 9, Type: "page"}
	}, 2*time.Second, 10*time.Millisecond)

	// Files that are not manifests are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "post", "notes.txt"), []byte("x"), 0o600))
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, pusher.all(), 3)
}

func TestWatcher_MissingRoot(t *testing.T) {
	fs, err := source.NewFS(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	w := NewWatcher(fs, &recordingPusher{}, 0, nil)
	assert.Error(t, w.Run(context.Background()))
}
