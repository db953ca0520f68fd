package sessionws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// fakeConn records close requests. When gate is non-nil, Close blocks until
// the gate is closed, after signalling entered.
type fakeConn struct {
	mu      sync.Mutex
	closes  int
	err     error
	entered chan struct{}
	gate    chan struct{}
}

func (c *fakeConn) Close() error {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.err
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(&fakeSessions{session: newFakeSession()})
}

func TestRegister_Idempotent(t *testing.T) {
	reg := newTestRegistry(t)
	c := &fakeConn{}

	reg.Register("a", c)
	reg.Register("a", c)

	if got := len(reg.Conns("a")); got != 1 {
		t.Fatalf("expected 1 connection after duplicate register, got %d", got)
	}
}

func TestUnregister_UnknownID(t *testing.T) {
	reg := newTestRegistry(t)

	// Must be a silent no-op: the connection may already have been cleaned
	// up by a concurrent bulk-close.
	reg.Unregister("missing", &fakeConn{})

	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d ids", reg.Len())
	}
}

func TestUnregister_LastRemovesID(t *testing.T) {
	reg := newTestRegistry(t)
	c := &fakeConn{}

	reg.Register("a", c)
	reg.Unregister("a", c)

	if reg.Len() != 0 {
		t.Fatalf("expected id to be removed with its last connection, got %d ids", reg.Len())
	}
	if ids := reg.IDs(); len(ids) != 0 {
		t.Fatalf("expected no ids, got %v", ids)
	}
}

func TestUnregister_NotLast(t *testing.T) {
	reg := newTestRegistry(t)
	c1 := &fakeConn{}
	c2 := &fakeConn{}

	reg.Register("a", c1)
	reg.Register("a", c2)
	reg.Unregister("a", c1)

	conns := reg.Conns("a")
	if len(conns) != 1 {
		t.Fatalf("expected 1 remaining connection, got %d", len(conns))
	}
	if conns[0] != Conn(c2) {
		t.Fatal("wrong connection remained registered")
	}
}

func TestCloseAllForID(t *testing.T) {
	reg := newTestRegistry(t)
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	other := &fakeConn{}

	reg.Register("a", c1)
	reg.Register("a", c2)
	reg.Register("b", other)

	if err := reg.CloseAllForID(context.Background(), "a"); err != nil {
		t.Fatalf("close all for id: %v", err)
	}

	if c1.closeCount() != 1 || c2.closeCount() != 1 {
		t.Errorf("expected both connections closed once, got %d and %d", c1.closeCount(), c2.closeCount())
	}
	if other.closeCount() != 0 {
		t.Error("connection of another session was closed")
	}
}

func TestCloseAllForID_UnknownID(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.CloseAllForID(context.Background(), "missing"); err != nil {
		t.Fatalf("expected no-op for unknown id, got %v", err)
	}
}

// TestCloseAllForID_Snapshot verifies that bulk-close is a point-in-time
// operation: a connection registered after the snapshot was taken is left
// open.
func TestCloseAllForID_Snapshot(t *testing.T) {
	reg := newTestRegistry(t)

	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	c1 := &fakeConn{entered: entered, gate: gate}
	c2 := &fakeConn{entered: entered, gate: gate}
	late := &fakeConn{}

	reg.Register("a", c1)
	reg.Register("a", c2)

	done := make(chan error, 1)
	go func() {
		done <- reg.CloseAllForID(context.Background(), "a")
	}()

	// Both closes have started: the snapshot has been taken.
	<-entered
	<-entered

	reg.Register("a", late)
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("close all for id: %v", err)
	}

	if late.closeCount() != 0 {
		t.Error("connection registered after the snapshot was closed")
	}
	if c1.closeCount() != 1 || c2.closeCount() != 1 {
		t.Errorf("expected snapshot connections closed once, got %d and %d", c1.closeCount(), c2.closeCount())
	}
}

func TestCloseAll(t *testing.T) {
	reg := newTestRegistry(t)
	a1 := &fakeConn{}
	a2 := &fakeConn{}
	b1 := &fakeConn{}

	reg.Register("a", a1)
	reg.Register("a", a2)
	reg.Register("b", b1)

	if err := reg.CloseAll(context.Background()); err != nil {
		t.Fatalf("close all: %v", err)
	}

	for i, c := range []*fakeConn{a1, a2, b1} {
		if c.closeCount() != 1 {
			t.Errorf("connection %d closed %d times, want exactly once", i, c.closeCount())
		}
	}
}

// TestCloseAll_AggregatesErrors verifies that one failing close neither
// aborts the bulk operation nor gets swallowed.
func TestCloseAll_AggregatesErrors(t *testing.T) {
	reg := newTestRegistry(t)
	failErr := errors.New("close failed")
	bad := &fakeConn{err: failErr}
	good := &fakeConn{}

	reg.Register("a", bad)
	reg.Register("b", good)

	err := reg.CloseAll(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, failErr) {
		t.Errorf("aggregated error does not wrap the close failure: %v", err)
	}
	if good.closeCount() != 1 {
		t.Error("sibling connection was not closed after a failing close")
	}
}

func TestCloseAll_ContextExpired(t *testing.T) {
	reg := newTestRegistry(t)

	gate := make(chan struct{})
	defer close(gate)
	c := &fakeConn{entered: make(chan struct{}, 1), gate: gate}
	reg.Register("a", c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- reg.CloseAll(ctx)
	}()

	<-c.entered
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestScheduleCloseAllForID(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := newTestRegistry(t)
	c := &fakeConn{entered: make(chan struct{}, 1)}
	reg.Register("a", c)

	signal := make(chan struct{})
	reg.ScheduleCloseAllForID("a", signal)

	// The close must not run before the signal fires.
	select {
	case <-c.entered:
		t.Fatal("close ran before the response completion signal")
	case <-time.After(50 * time.Millisecond):
	}

	close(signal)
	select {
	case <-c.entered:
	case <-time.After(time.Second):
		t.Fatal("close did not run after the signal fired")
	}

	waitFor(t, time.Second, func() bool { return c.closeCount() == 1 })
}

// TestRegistry_Concurrency exercises register/unregister/bulk-close from
// many goroutines; run with -race.
func TestRegistry_Concurrency(t *testing.T) {
	reg := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c := &fakeConn{}
				reg.Register(id, c)
				reg.Unregister(id, c)
			}
		}(string(rune('a' + i%4)))
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = reg.CloseAllForID(context.Background(), id)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if err := reg.CloseAll(context.Background()); err != nil {
		t.Fatalf("close all: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
