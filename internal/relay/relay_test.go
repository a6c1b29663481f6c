package relay

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/postpipe/internal/auth"
	"github.com/danmuck/postpipe/internal/protocol/frame"
	"github.com/danmuck/postpipe/internal/protocol/session"
	"github.com/danmuck/postpipe/internal/publish"
)

const testSecret = "s3cret"

// socketPath returns a short path; unix socket paths are limited to ~104 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pp")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testBackoff() session.BackoffConfig {
	return session.BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: 20 * time.Millisecond}
}

type publishFunc func(ctx context.Context, post publish.Post) (publish.Outcome, error)

// fakePublisher records posts and answers through fn, or Success by default.
type fakePublisher struct {
	mu    sync.Mutex
	posts []publish.Post
	fn    publishFunc
}

func (f *fakePublisher) Name() string { return "fake" }

func (f *fakePublisher) Publish(ctx context.Context, post publish.Post) (publish.Outcome, error) {
	f.mu.Lock()
	f.posts = append(f.posts, post)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, post)
	}
	return publish.Outcome{Status: publish.StatusSuccess, Detail: "ok", ResourceID: "id"}, nil
}

func (f *fakePublisher) Posts() []publish.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publish.Post(nil), f.posts...)
}

type runningService struct {
	svc    *Service
	cancel context.CancelFunc
	errCh  chan error
}

func (r *runningService) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errCh:
		if err != nil {
			t.Fatalf("service run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
}

func startService(t *testing.T, cfg ServiceConfig, pub publish.Publisher) *runningService {
	t.Helper()
	if cfg.SocketPath == "" {
		cfg.SocketPath = socketPath(t)
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	cfg.Session.Backoff = testBackoff()
	svc, err := NewService(cfg, auth.NewSharedSecret(testSecret), pub)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningService{svc: svc, cancel: cancel, errCh: make(chan error, 1)}
	go func() {
		r.errCh <- svc.RunContext(ctx)
	}()
	waitFor(t, 2*time.Second, "all slots listening", func() bool {
		pool := svc.Pool()
		return svc.Ready() && pool != nil && pool.StateCounts()[SlotListening] == cfg.Workers
	})
	t.Cleanup(func() {
		cancel()
	})
	return r
}

func dialRaw(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func mustExchange(t *testing.T, codec frame.Codec, conn net.Conn, send, want string) {
	t.Helper()
	if _, err := codec.WriteString(conn, send); err != nil {
		t.Fatalf("write %q: %v", send, err)
	}
	got, err := codec.ReadString(conn)
	if err != nil {
		t.Fatalf("read after %q: %v", send, err)
	}
	if got != want {
		t.Fatalf("after %q expected %q, got %q", send, want, got)
	}
}
