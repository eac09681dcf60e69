// Package pool manages a fixed-size set of reusable store connections.
// Capacity is the single hard bound on store-side concurrency across all
// runs; blocked acquirers are served in arrival order.
package pool

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"

	"github.com/google/uuid"
)

// Conn is the store handle leased to callers. *sql.Conn satisfies it.
type Conn interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Factory creates a new store connection.
type Factory func(ctx context.Context) (Conn, error)

// Observer receives one event per pool operation. Satisfied by the
// performance monitor; defined here to avoid the import the other way.
type Observer interface {
	Record(component, operation string, duration time.Duration, success bool, errorKind string)
}

// PooledConnection is a leased handle. It is owned by exactly one caller
// between Acquire and Release.
type PooledConnection struct {
	id      string
	conn    Conn
	created time.Time

	mu     sync.Mutex
	broken bool
}

func (pc *PooledConnection) ID() string { return pc.id }

// Conn exposes the underlying store handle for queries.
func (pc *PooledConnection) Conn() Conn { return pc.conn }

// MarkBroken tells the pool to discard this connection on release instead
// of recycling it. The pool creates a replacement lazily.
func (pc *PooledConnection) MarkBroken() {
	pc.mu.Lock()
	pc.broken = true
	pc.mu.Unlock()
}

func (pc *PooledConnection) isBroken() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.broken
}

type acquireResult struct {
	pc  *PooledConnection
	err error
}

// Options tunes pool behavior beyond capacity.
type Options struct {
	// CreateTimeout bounds a single factory call.
	CreateTimeout time.Duration
	// ProbeFailureLimit is the number of consecutive failed health probes
	// after which the pool reports Degraded.
	ProbeFailureLimit int
	Observer          Observer
}

// Pool is the sole long-term owner of its connections and the sole
// authority on capacity.
type Pool struct {
	capacity      int
	factory       Factory
	logger        logger.Logger
	observer      Observer
	createTimeout time.Duration
	probeLimit    int

	mu      sync.Mutex
	idle    []*PooledConnection
	leased  map[string]*PooledConnection
	waiters []chan acquireResult // FIFO, each buffered 1
	live    int                  // idle + leased + in-flight creations
	closed  bool

	probeFailures int
	degraded      bool
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Capacity int
	InUse    int
	Idle     int
	Waiting  int
	Degraded bool
}

func New(capacity int, factory Factory, log logger.Logger, opts Options) (*Pool, error) {
	if capacity <= 0 {
		return nil, errors.NewConfigurationError("pool capacity must be positive")
	}
	if factory == nil {
		return nil, errors.NewConfigurationError("pool requires a connection factory")
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 5 * time.Second
	}
	if opts.ProbeFailureLimit <= 0 {
		opts.ProbeFailureLimit = 3
	}
	return &Pool{
		capacity:      capacity,
		factory:       factory,
		logger:        log.WithFields(map[string]interface{}{"component": "pool"}),
		observer:      opts.Observer,
		createTimeout: opts.CreateTimeout,
		probeLimit:    opts.ProbeFailureLimit,
		leased:        make(map[string]*PooledConnection),
	}, nil
}

// Acquire leases a connection, waiting up to timeout for capacity. A
// timeout <= 0 makes the call non-blocking: it fails with POOL_EXHAUSTED
// when nothing is immediately available.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*PooledConnection, error) {
	start := time.Now()
	pc, err := p.acquire(ctx, timeout)
	p.observe("acquire", time.Since(start), err)
	return pc, err
}

func (p *Pool) acquire(ctx context.Context, timeout time.Duration) (*PooledConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.NewPoolClosedError()
	}

	if n := len(p.idle); n > 0 {
		pc := p.idle[0]
		p.idle = p.idle[1:]
		p.leased[pc.id] = pc
		p.mu.Unlock()
		return pc, nil
	}

	// Capacity left but no idle handle: broken connections are replaced
	// here, on the acquire that needs them.
	if p.live < p.capacity {
		p.live++
		p.mu.Unlock()

		pc, err := p.create(ctx)
		p.mu.Lock()
		if err != nil {
			p.live--
			p.mu.Unlock()
			return nil, errors.NewDatabaseConnectionFailedError(err)
		}
		if p.closed {
			p.live--
			p.mu.Unlock()
			pc.conn.Close()
			return nil, errors.NewPoolClosedError()
		}
		p.leased[pc.id] = pc
		p.mu.Unlock()
		return pc, nil
	}

	if timeout <= 0 {
		p.mu.Unlock()
		return nil, errors.NewPoolExhaustedError(p.capacity)
	}

	ch := make(chan acquireResult, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.pc, res.err
	case <-timer.C:
		p.abandonWaiter(ch)
		return nil, errors.NewPoolTimeoutError(timeout)
	case <-ctx.Done():
		p.abandonWaiter(ch)
		return nil, ctx.Err()
	}
}

// abandonWaiter removes ch from the queue. If a hand-off already happened
// the handle is recycled in the background so it is not leaked.
func (p *Pool) abandonWaiter(ch chan acquireResult) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Already dequeued by a releaser; exactly one result is in flight.
	go func() {
		res := <-ch
		if res.pc != nil {
			if err := p.Release(res.pc); err != nil {
				p.logger.Error("recycle of abandoned hand-off failed", map[string]interface{}{
					"connId": res.pc.id, "error": err,
				})
			}
		}
	}()
}

// Release returns a leased handle to the pool. Releasing a handle that is
// not currently leased is a protocol violation, not a transient error.
func (p *Pool) Release(pc *PooledConnection) error {
	if pc == nil {
		return errors.NewProtocolViolationError("release of nil connection")
	}

	p.mu.Lock()
	if _, ok := p.leased[pc.id]; !ok {
		p.mu.Unlock()
		return errors.NewProtocolViolationError("release of connection not currently leased: " + pc.id)
	}
	delete(p.leased, pc.id)

	if p.closed {
		p.live--
		p.mu.Unlock()
		pc.conn.Close()
		return nil
	}

	if pc.isBroken() {
		p.live--
		waiter := p.dequeueWaiterLocked()
		if waiter != nil {
			// The queued caller is the "next acquire": replace for it now.
			p.live++
			go p.createForWaiter(waiter)
		}
		p.mu.Unlock()

		if err := pc.conn.Close(); err != nil {
			p.logger.Warn("closing broken connection failed", map[string]interface{}{
				"connId": pc.id, "error": err,
			})
		}
		p.logger.Info("discarded broken connection", map[string]interface{}{"connId": pc.id})
		return nil
	}

	if waiter := p.dequeueWaiterLocked(); waiter != nil {
		p.leased[pc.id] = pc
		waiter <- acquireResult{pc: pc} // buffered, sent under lock
		p.mu.Unlock()
		return nil
	}

	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	return nil
}

func (p *Pool) dequeueWaiterLocked() chan acquireResult {
	if len(p.waiters) == 0 {
		return nil
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	return ch
}

func (p *Pool) createForWaiter(ch chan acquireResult) {
	pc, err := p.create(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.live--
		ch <- acquireResult{err: errors.NewDatabaseConnectionFailedError(err)}
		return
	}
	if p.closed {
		p.live--
		ch <- acquireResult{err: errors.NewPoolClosedError()}
		pc.conn.Close()
		return
	}
	p.leased[pc.id] = pc
	ch <- acquireResult{pc: pc}
}

func (p *Pool) create(ctx context.Context) (*PooledConnection, error) {
	cctx, cancel := context.WithTimeout(ctx, p.createTimeout)
	defer cancel()

	conn, err := p.factory(cctx)
	if err != nil {
		return nil, err
	}
	return &PooledConnection{
		id:      uuid.NewString(),
		conn:    conn,
		created: time.Now(),
	}, nil
}

// WithConn runs fn with a leased connection, guaranteeing release on every
// exit path.
func (p *Pool) WithConn(ctx context.Context, timeout time.Duration, fn func(pc *PooledConnection) error) error {
	pc, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.Release(pc); rerr != nil {
			p.logger.Error("release failed", map[string]interface{}{
				"connId": pc.id, "error": rerr,
			})
		}
	}()
	return fn(pc)
}

// HealthCheck probes the store through one connection. Repeated
// consecutive failures mark the pool Degraded; one success clears it.
// A saturated pool is skipped rather than counted against the store.
func (p *Pool) HealthCheck(ctx context.Context) error {
	start := time.Now()

	pc, err := p.Acquire(ctx, 0)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodePoolExhausted) {
			return nil
		}
		p.recordProbe(false)
		p.observe("health_check", time.Since(start), err)
		return err
	}

	pingErr := pc.conn.PingContext(ctx)
	if pingErr != nil {
		pc.MarkBroken()
	}
	if rerr := p.Release(pc); rerr != nil {
		p.logger.Error("health probe release failed", map[string]interface{}{"error": rerr})
	}

	p.recordProbe(pingErr == nil)
	p.observe("health_check", time.Since(start), pingErr)
	return pingErr
}

// StartHealthProbes runs HealthCheck on a fixed interval until ctx is done.
func (p *Pool) StartHealthProbes(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.HealthCheck(ctx); err != nil {
					p.logger.Warn("store health probe failed", map[string]interface{}{"error": err})
				}
			}
		}
	}()
}

func (p *Pool) recordProbe(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.probeFailures = 0
		if p.degraded {
			p.degraded = false
			p.logger.Info("pool recovered", nil)
		}
		return
	}
	p.probeFailures++
	if p.probeFailures >= p.probeLimit && !p.degraded {
		p.degraded = true
		p.logger.Error("pool degraded after consecutive probe failures", map[string]interface{}{
			"failures": p.probeFailures,
		})
	}
}

// Degraded reports whether repeated health probes have failed. The
// orchestrator uses it for circuit-breaking decisions.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.capacity,
		InUse:    len(p.leased),
		Idle:     len(p.idle),
		Waiting:  len(p.waiters),
		Degraded: p.degraded,
	}
}

// Close shuts the pool down. Idle connections are closed immediately,
// queued acquirers fail, leased handles are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- acquireResult{err: errors.NewPoolClosedError()}
	}
	for _, pc := range idle {
		if err := pc.conn.Close(); err != nil {
			p.logger.Warn("closing idle connection failed", map[string]interface{}{
				"connId": pc.id, "error": err,
			})
		}
	}
	return nil
}

func (p *Pool) observe(op string, d time.Duration, err error) {
	if p.observer == nil {
		return
	}
	p.observer.Record("pool", op, d, err == nil, errors.Kind(err))
}
