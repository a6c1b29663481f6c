package relay

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/postpipe/internal/testutil/testlog"
)

type handlerFunc func(ctx context.Context, conn net.Conn, slot int, connID string) error

func (f handlerFunc) ServeConn(ctx context.Context, conn net.Conn, slot int, connID string) error {
	return f(ctx, conn, slot, connID)
}

func startPool(t *testing.T, workers int, h ConnHandler) (*Pool, string, func() error) {
	t.Helper()
	path := socketPath(t)
	ln, err := Listen(path, 0o600)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	pool, err := NewPool(ln, workers, h, testBackoff())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Run(ctx)
	}()
	waitFor(t, 2*time.Second, "slots listening", func() bool {
		return pool.StateCounts()[SlotListening] == workers
	})
	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("pool did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return pool, path, stop
}

func TestNewPoolRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	h := handlerFunc(func(context.Context, net.Conn, int, string) error { return nil })
	if _, err := NewPool(nil, 0, h, testBackoff()); !errors.Is(err, ErrInvalidWorkers) {
		t.Fatalf("expected ErrInvalidWorkers, got %v", err)
	}
	if _, err := NewPool(nil, 1, nil, testBackoff()); err == nil {
		t.Fatalf("expected nil handler error")
	}
}

func TestPoolReplacesSlotAfterConnection(t *testing.T) {
	testlog.Start(t)

	var seen atomic.Int64
	pool, path, _ := startPool(t, 3, handlerFunc(func(_ context.Context, conn net.Conn, _ int, connID string) error {
		if connID == "" {
			t.Errorf("missing conn id")
		}
		seen.Add(1)
		_, _ = conn.Write([]byte{1})
		return nil
	}))

	before := pool.Snapshot()
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("unix", path)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		buf := make([]byte, 1)
		if _, err := conn.Read(buf); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		_ = conn.Close()
	}

	waitFor(t, 2*time.Second, "served connections recorded", func() bool {
		var served uint64
		for _, s := range pool.Snapshot() {
			served += s.Served
		}
		return served == 5
	})
	waitFor(t, 2*time.Second, "slots back to listening", func() bool {
		return pool.StateCounts()[SlotListening] == 3
	})
	if seen.Load() != 5 {
		t.Fatalf("expected 5 handled connections, got %d", seen.Load())
	}

	after := pool.Snapshot()
	var replaced uint64
	for i := range after {
		if after[i].State != SlotListening {
			t.Fatalf("slot %d in state %s", i, after[i].State)
		}
		replaced += after[i].Generation - before[i].Generation
		if after[i].ConnID != "" {
			t.Fatalf("listening slot %d still carries conn id %q", i, after[i].ConnID)
		}
	}
	if replaced != 5 {
		t.Fatalf("expected one replacement per connection, got %d", replaced)
	}
}

func TestPoolNeverExceedsSlots(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	var active, peak atomic.Int64
	pool, path, _ := startPool(t, 2, handlerFunc(func(_ context.Context, conn net.Conn, _ int, _ string) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return nil
	}))

	conns := make([]net.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("unix", path)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	waitFor(t, 2*time.Second, "both slots serving", func() bool {
		return pool.StateCounts()[SlotServing] == 2
	})
	time.Sleep(50 * time.Millisecond)
	if got := active.Load(); got != 2 {
		t.Fatalf("expected 2 in-flight connections with 2 slots, got %d", got)
	}

	close(release)
	waitFor(t, 2*time.Second, "third connection served", func() bool {
		var served uint64
		for _, s := range pool.Snapshot() {
			served += s.Served
		}
		return served == 3
	})
	for _, c := range conns {
		_ = c.Close()
	}
	if peak.Load() != 2 {
		t.Fatalf("expected peak concurrency 2, got %d", peak.Load())
	}
}

func TestPoolContainsPanics(t *testing.T) {
	testlog.Start(t)

	var calls atomic.Int64
	pool, path, _ := startPool(t, 2, handlerFunc(func(context.Context, net.Conn, int, string) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("unix", path)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		_, _ = conn.Read(make([]byte, 1))
		_ = conn.Close()
	}
	waitFor(t, 2*time.Second, "both connections served", func() bool {
		var served, failed uint64
		for _, s := range pool.Snapshot() {
			served += s.Served
			failed += s.Failed
		}
		return served == 2 && failed == 1
	})
	waitFor(t, 2*time.Second, "slots listening after panic", func() bool {
		return pool.StateCounts()[SlotListening] == 2
	})
}

func TestPoolShutdownClosesListenerAndConnections(t *testing.T) {
	testlog.Start(t)

	pool, path, stop := startPool(t, 1, handlerFunc(func(_ context.Context, conn net.Conn, _ int, _ string) error {
		_, err := conn.Read(make([]byte, 1))
		return err
	}))

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, 2*time.Second, "slot serving", func() bool {
		return pool.StateCounts()[SlotServing] == 1
	})

	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed on shutdown, stat err=%v", err)
	}
	if _, err := net.Dial("unix", path); err == nil {
		t.Fatalf("expected dial to fail after shutdown")
	}
}

func TestPoolReportsExternallyClosedListener(t *testing.T) {
	testlog.Start(t)

	path := socketPath(t)
	ln, err := Listen(path, 0o600)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	pool, err := NewPool(ln, 2, handlerFunc(func(context.Context, net.Conn, int, string) error { return nil }), testBackoff())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Run(context.Background())
	}()
	waitFor(t, 2*time.Second, "slots listening", func() bool {
		return pool.StateCounts()[SlotListening] == 2
	})

	_ = ln.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrListenerClosed) {
			t.Fatalf("expected ErrListenerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not report closed listener")
	}
}
