package pool

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
)

// ==========================
// Test Helpers
// ==========================

type fakeConn struct {
	mu      sync.Mutex
	pingErr error
	closed  bool
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}

func (c *fakeConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (c *fakeConn) PingContext(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeConn
	err     error
	pingErr error // stamped onto new connections
}

func (f *fakeFactory) new(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{pingErr: f.pingErr}
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestPool(t *testing.T, capacity int, factory *fakeFactory) *Pool {
	t.Helper()
	p, err := New(capacity, factory.new, logger.NewTestLogger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// ==========================
// Construction
// ==========================

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(0, (&fakeFactory{}).new, logger.NewNoOpLogger(), Options{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigurationError))

	_, err = New(3, nil, logger.NewNoOpLogger(), Options{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigurationError))
}

// ==========================
// Acquire / Release
// ==========================

func TestPool_AcquireRelease_Recycles(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 2, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	id := pc.ID()

	require.NoError(t, p.Release(pc))

	pc2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, pc2.ID(), "released handle should be recycled")
	assert.Equal(t, 1, factory.count(), "no second connection should be created")
	require.NoError(t, p.Release(pc2))
}

func TestPool_LazyCreation(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 5, factory)

	assert.Equal(t, 0, factory.count())

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, factory.count())
	require.NoError(t, p.Release(pc))
}

func TestPool_ReleaseUnleased_ProtocolViolation(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(pc))

	err = p.Release(pc)
	assert.True(t, errors.IsCode(err, errors.ErrCodeProtocolViolation), "double release must be rejected")

	err = p.Release(nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeProtocolViolation))
}

func TestPool_CreateFailure(t *testing.T) {
	factory := &fakeFactory{err: stderrors.New("dial refused")}
	p := newTestPool(t, 2, factory)

	_, err := p.Acquire(context.Background(), time.Second)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDatabaseConnectionFailed))

	// Failed creation must hand capacity back.
	factory.mu.Lock()
	factory.err = nil
	factory.mu.Unlock()

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(pc))
}

// ==========================
// Exhaustion & Waiting
// ==========================

func TestPool_NonBlockingAcquire_Exhausted(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodePoolExhausted))
	require.NoError(t, p.Release(pc))
}

func TestPool_AcquireTimeout(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), 50*time.Millisecond)
	assert.True(t, errors.IsCode(err, errors.ErrCodePoolTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, p.Release(pc))
}

func TestPool_WaiterServedOnRelease(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	got := make(chan *PooledConnection, 1)
	go func() {
		pc2, err := p.Acquire(context.Background(), 2*time.Second)
		assert.NoError(t, err)
		got <- pc2
	}()

	// Wait for the acquirer to queue up before releasing.
	require.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Release(pc))

	select {
	case pc2 := <-got:
		assert.Equal(t, pc.ID(), pc2.ID(), "waiter should receive the released handle")
		require.NoError(t, p.Release(pc2))
	case <-time.After(time.Second):
		t.Fatal("waiter was never served")
	}
	assert.Equal(t, 1, factory.count())
}

func TestPool_WaitersServedFIFO(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	order := make(chan int, 2)
	startWaiter := func(n, queued int) {
		go func() {
			pc, err := p.Acquire(context.Background(), 5*time.Second)
			assert.NoError(t, err)
			order <- n
			time.Sleep(10 * time.Millisecond)
			assert.NoError(t, p.Release(pc))
		}()
		require.Eventually(t, func() bool {
			return p.Stats().Waiting == queued
		}, time.Second, time.Millisecond)
	}

	startWaiter(1, 1)
	startWaiter(2, 2)

	require.NoError(t, p.Release(pc))

	assert.Equal(t, 1, <-order, "first queued acquirer must be served first")
	assert.Equal(t, 2, <-order)
}

func TestPool_CapacityNeverExceeded(t *testing.T) {
	const capacity = 5
	const callers = 50

	factory := &fakeFactory{}
	p := newTestPool(t, capacity, factory)

	var inUse, maxInUse int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithConn(context.Background(), 5*time.Second, func(pc *PooledConnection) error {
				n := atomic.AddInt64(&inUse, 1)
				for {
					max := atomic.LoadInt64(&maxInUse)
					if n <= max || atomic.CompareAndSwapInt64(&maxInUse, max, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&inUse, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&maxInUse), int64(capacity))
	assert.LessOrEqual(t, factory.count(), capacity)
}

// ==========================
// Broken Connections
// ==========================

func TestPool_BrokenConnectionDiscarded(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	brokenID := pc.ID()

	pc.MarkBroken()
	require.NoError(t, p.Release(pc))

	assert.True(t, factory.created[0].isClosed(), "broken connection must be closed")
	assert.Equal(t, 1, factory.count(), "replacement is lazy, not eager")

	pc2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, brokenID, pc2.ID())
	assert.Equal(t, 2, factory.count())
	require.NoError(t, p.Release(pc2))
}

func TestPool_BrokenReleaseReplacesForWaiter(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	got := make(chan *PooledConnection, 1)
	go func() {
		pc2, err := p.Acquire(context.Background(), 2*time.Second)
		assert.NoError(t, err)
		got <- pc2
	}()
	require.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, 5*time.Millisecond)

	pc.MarkBroken()
	require.NoError(t, p.Release(pc))

	select {
	case pc2 := <-got:
		assert.NotEqual(t, pc.ID(), pc2.ID(), "waiter must get a fresh handle, not the broken one")
		require.NoError(t, p.Release(pc2))
	case <-time.After(time.Second):
		t.Fatal("waiter was never served after broken release")
	}
	assert.Equal(t, 2, factory.count())
}

// ==========================
// Health & Degradation
// ==========================

func TestPool_HealthProbes_DegradeAndRecover(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 2, factory)

	pingFailure := stderrors.New("connection reset")
	failPing := func(fail bool) {
		var err error
		if fail {
			err = pingFailure
		}
		factory.mu.Lock()
		factory.pingErr = err
		for _, c := range factory.created {
			c.setPingErr(err)
		}
		factory.mu.Unlock()
	}

	ctx := context.Background()
	require.NoError(t, p.HealthCheck(ctx))
	assert.False(t, p.Degraded())

	failPing(true)
	for i := 0; i < 3; i++ {
		assert.Error(t, p.HealthCheck(ctx))
	}
	assert.True(t, p.Degraded(), "three consecutive probe failures must degrade the pool")

	failPing(false)
	require.NoError(t, p.HealthCheck(ctx))
	assert.False(t, p.Degraded(), "one successful probe must clear degradation")
}

func TestPool_HealthCheck_SkipsSaturatedPool(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	assert.NoError(t, p.HealthCheck(context.Background()), "saturation is not a store failure")
	assert.False(t, p.Degraded())
	require.NoError(t, p.Release(pc))
}

// ==========================
// Close
// ==========================

func TestPool_Close(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 2, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(pc))

	require.NoError(t, p.Close())
	assert.True(t, factory.created[0].isClosed(), "idle connections close on shutdown")

	_, err = p.Acquire(context.Background(), time.Second)
	assert.True(t, errors.IsCode(err, errors.ErrCodePoolClosed))
	assert.NoError(t, p.Close(), "close is idempotent")
}

func TestPool_Close_FailsQueuedWaiters(t *testing.T) {
	factory := &fakeFactory{}
	p := newTestPool(t, 1, factory)

	pc, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.IsCode(err, errors.ErrCodePoolClosed))
	case <-time.After(time.Second):
		t.Fatal("queued waiter not failed on close")
	}

	// Leased handle comes back after close and is closed, not recycled.
	require.NoError(t, p.Release(pc))
	assert.True(t, factory.created[0].isClosed())
}
