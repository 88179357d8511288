package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestInUseNeverExceedsMax(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(3), PendingAcquireMaxCount(Unbounded))

	var inUse, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), "a")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inUse, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inUse, -1)
			if err := c.Release(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, int(peak), 3)
	created, _ := f.counts()
	require.LessOrEqual(t, created, 3)
	m := p.Metrics("a")
	require.Equal(t, 0, m.AcquiredSize())
	require.Equal(t, 0, m.PendingAcquireSize())
	require.Equal(t, m.IdleSize(), m.AllocatedSize())
}

func TestReleaseHandsOffToWaiter(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(1))

	c1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	conns, errs := acquireAsync(context.Background(), p, "a")
	require.Eventually(t, pendingIs(p, "a", 1), waitFor, tick)

	require.NoError(t, p.Release("a", c1))
	select {
	case c2 := <-conns:
		require.Equal(t, c1.ID(), c2.ID())
		require.NoError(t, c2.Release())
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(waitFor):
		t.Fatal("waiter not served")
	}
	created, _ := f.counts()
	require.Equal(t, 1, created)
}

func TestIdleTimeExceededNotReused(t *testing.T) {
	f := &fakeFactory{}
	clk := newFakeClock()
	p := newTestProvider(t, f, MaxIdleTime(time.Minute), withClock(clk.now))

	c1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c1.Release())

	clk.advance(30 * time.Second)
	c2, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, c1.ID(), c2.ID())
	require.NoError(t, c2.Release())

	clk.advance(time.Minute)
	c3, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c3.ID())
	require.True(t, c1.Conn.(*fakeConn).isClosed())

	created, closed := f.counts()
	require.Equal(t, 2, created)
	require.Equal(t, 1, closed)
}

func TestLifeTimeExceededDisposedOnRelease(t *testing.T) {
	f := &fakeFactory{}
	clk := newFakeClock()
	p := newTestProvider(t, f, MaxLifeTime(time.Minute), withClock(clk.now))

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	clk.advance(time.Minute)
	require.NoError(t, c.Release())

	m := p.Metrics("a")
	require.Equal(t, 0, m.IdleSize())
	require.Equal(t, 0, m.AllocatedSize())
	_, closed := f.counts()
	require.Equal(t, 1, closed)
}

func TestLifeTimeExceededDisposedOnAcquire(t *testing.T) {
	f := &fakeFactory{}
	clk := newFakeClock()
	p := newTestProvider(t, f, MaxLifeTime(time.Minute), withClock(clk.now))

	c1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c1.Release())

	clk.advance(2 * time.Minute)
	c2, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())
}

func TestMetricsDisabledNeverInvokesSupplier(t *testing.T) {
	f := &fakeFactory{}
	var calls int32
	supplier := func() MeterRegistrar {
		atomic.AddInt32(&calls, 1)
		return newRecorder()
	}
	p := newTestProvider(t, f, Metrics(false, supplier))

	for _, key := range []string{"a", "b"} {
		c, err := p.Acquire(context.Background(), key)
		require.NoError(t, err)
		require.NoError(t, c.Release())
	}
	p.DisposeWhen("a")
	p.Dispose()
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestMetricsRegisteredPerKey(t *testing.T) {
	f := &fakeFactory{}
	rec := newRecorder()
	var calls int32
	supplier := func() MeterRegistrar {
		atomic.AddInt32(&calls, 1)
		return rec
	}
	p := newTestProvider(t, f, Metrics(true, supplier))
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))

	for _, key := range []string{"a", "b", "a"} {
		c, err := p.Acquire(context.Background(), key)
		require.NoError(t, err)
		require.NoError(t, c.Release())
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, map[string]bool{"a": true, "b": true}, rec.liveKeys())

	p.Dispose()
	require.Empty(t, rec.liveKeys())
	require.Equal(t, []string{"register test a", "register test b"}, rec.log()[:2])
}

// sizingRegistrar reads the metrics while being registered.
type sizingRegistrar struct {
	max chan int
}

func (r sizingRegistrar) RegisterMetrics(poolName, id, key string, m PoolMetrics) {
	r.max <- m.MaxAllocatedSize()
}

func (r sizingRegistrar) DeRegisterMetrics(poolName, id, key string) {}

func TestRegisterMetricsReadsMetrics(t *testing.T) {
	f := &fakeFactory{}
	reg := sizingRegistrar{max: make(chan int, 1)}
	p := newTestProvider(t, f, MaxConnections(3), Metrics(true, func() MeterRegistrar { return reg }))

	_, errs := acquireAsync(context.Background(), p, "a")
	select {
	case max := <-reg.max:
		require.Equal(t, 3, max)
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(waitFor):
		t.Fatal("RegisterMetrics blocked")
	}
}

func TestOccupancyObserver(t *testing.T) {
	f := &fakeFactory{}
	rec := observingRecorder{newRecorder()}
	p := newTestProvider(t, f, Metrics(true, func() MeterRegistrar { return rec }))

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c.Release())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.GreaterOrEqual(t, rec.occupancy, 2)
}

func TestDisposeWhenOnlyAffectsKey(t *testing.T) {
	f := &fakeFactory{}
	rec := newRecorder()
	p := newTestProvider(t, f, Metrics(true, func() MeterRegistrar { return rec }))

	ca, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	cb, err := p.Acquire(context.Background(), "b")
	require.NoError(t, err)
	require.NoError(t, ca.Release())
	require.NoError(t, cb.Release())

	p.DisposeWhen("a")

	require.Nil(t, p.Metrics("a"))
	require.Equal(t, 1, p.Metrics("b").IdleSize())
	require.Equal(t, []string{"b"}, p.Keys())
	require.True(t, ca.Conn.(*fakeConn).isClosed())
	require.False(t, cb.Conn.(*fakeConn).isClosed())
	require.Equal(t, map[string]bool{"b": true}, rec.liveKeys())

	// a new pool for the key
	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NotEqual(t, ca.ID(), c.ID())
	require.NoError(t, c.Release())
}

func TestPendingTimeoutFreesQueueSlot(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f,
		MaxConnections(1),
		PendingAcquireMaxCount(1),
		PendingAcquireTimeout(50*time.Millisecond))

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), "a")
	require.True(t, errors.Is(err, ErrAcquireTimeout), "got %v", err)
	require.GreaterOrEqual(t, int64(time.Since(start)), int64(50*time.Millisecond))
	require.Equal(t, 0, p.Metrics("a").PendingAcquireSize())

	// the slot can be used again
	conns, errs := acquireAsync(context.Background(), p, "a")
	require.Eventually(t, pendingIs(p, "a", 1), waitFor, tick)
	require.NoError(t, c.Release())
	select {
	case c2 := <-conns:
		require.NoError(t, c2.Release())
	case err := <-errs:
		t.Fatal(err)
	}
}

func TestPendingLimit(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(1), PendingAcquireMaxCount(1))

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	conns, _ := acquireAsync(context.Background(), p, "a")
	require.Eventually(t, pendingIs(p, "a", 1), waitFor, tick)

	_, err = p.Acquire(context.Background(), "a")
	require.Equal(t, ErrPendingAcquireLimit, err)

	require.NoError(t, c.Release())
	require.NoError(t, (<-conns).Release())
}

func TestPendingDefaultsToTwiceMax(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(4))
	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer c.Release()
	require.Equal(t, 8, p.Metrics("a").MaxPendingAcquireSize())
	require.Equal(t, 4, p.Metrics("a").MaxAllocatedSize())
}

func TestCancelledWaiterRemoved(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(1))

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, errs := acquireAsync(ctx, p, "a")
	require.Eventually(t, pendingIs(p, "a", 1), waitFor, tick)
	cancel()

	require.Equal(t, context.Canceled, <-errs)
	require.Equal(t, 0, p.Metrics("a").PendingAcquireSize())

	require.NoError(t, c.Release())
	require.Equal(t, 1, p.Metrics("a").IdleSize())
	require.Equal(t, 0, p.Metrics("a").AcquiredSize())
}

func TestCancelledAcquireUsesNoIdle(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f)

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c.Release())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, "a")
	require.Equal(t, context.Canceled, err)

	m := p.Metrics("a")
	require.Equal(t, 1, m.IdleSize())
	require.Equal(t, 0, m.AcquiredSize())
}

func TestCancelRacingRelease(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f,
		MaxConnections(2),
		PendingAcquireMaxCount(Unbounded),
		PendingAcquireTimeout(3*time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < 200; j++ {
				d := time.Duration(rnd.Intn(2000)) * time.Microsecond
				ctx, cancel := context.WithTimeout(context.Background(), d)
				c, err := p.Acquire(ctx, "a")
				cancel()
				if err != nil {
					if !errors.Is(err, ErrAcquireTimeout) && !errors.Is(err, context.Canceled) {
						t.Error(err)
						return
					}
					continue
				}
				if rnd.Intn(5) == 0 {
					c.Close()
				} else if err := c.Release(); err != nil {
					t.Error(err)
					return
				}
			}
		}(int64(i))
	}
	wg.Wait()

	m := p.Metrics("a")
	require.Eventually(t, func() bool { return m.AcquiredSize() == 0 }, waitFor, tick)
	require.Equal(t, 0, m.PendingAcquireSize())
	require.Equal(t, m.AllocatedSize(), m.IdleSize())
	require.LessOrEqual(t, m.AllocatedSize(), 2)

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c.Release())
}

func TestStaleLeaseAfterHandOff(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(1))

	c1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	conns, _ := acquireAsync(context.Background(), p, "a")
	require.Eventually(t, pendingIs(p, "a", 1), waitFor, tick)

	require.NoError(t, c1.Release())
	c2 := <-conns
	require.Equal(t, c1.ID(), c2.ID())

	require.Equal(t, ErrNotInUse, c1.Release())
	require.Equal(t, ErrNotInUse, c1.Close())
	require.Equal(t, 1, p.Metrics("a").AcquiredSize())
	require.NoError(t, c2.Release())
}

func TestStaleLeaseAfterIdleReuse(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f)

	c1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c1.Release())
	c2, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, c1.ID(), c2.ID())

	require.Equal(t, ErrNotInUse, c1.Release())
	require.Equal(t, 1, p.Metrics("a").AcquiredSize())
	require.NoError(t, c2.Release())
	require.Equal(t, 1, p.Metrics("a").IdleSize())
}

func TestWaitersServedInOrder(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(1))

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), "a")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			c.Release()
		}(i)
		require.Eventually(t, pendingIs(p, "a", i+1), waitFor, tick)
	}
	require.NoError(t, c.Release())
	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestCreateError(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeFactory{fail: boom}
	p := newTestProvider(t, f)

	_, err := p.Acquire(context.Background(), "a")
	var ce *CreateError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "a", ce.Key)
	require.True(t, errors.Is(err, boom))
	require.Equal(t, 0, p.Metrics("a").AllocatedSize())
}

func TestCloseFreesSlotForWaiter(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(1))

	c1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	conns, errs := acquireAsync(context.Background(), p, "a")
	require.Eventually(t, pendingIs(p, "a", 1), waitFor, tick)

	require.NoError(t, c1.Close())
	select {
	case c2 := <-conns:
		require.NotEqual(t, c1.ID(), c2.ID())
		require.NoError(t, c2.Release())
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(waitFor):
		t.Fatal("waiter not served")
	}
}

func TestInvalidConnectionDisposed(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, Validate(notBroken))

	c1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c1.Release())

	c1.Conn.(*fakeConn).breakIt()
	c2, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())

	c2.Conn.(*fakeConn).breakIt()
	require.NoError(t, c2.Release())
	require.Equal(t, 0, p.Metrics("a").AllocatedSize())
}

func TestDisposeFailsWaitersAndClosesAll(t *testing.T) {
	f := &fakeFactory{}
	rec := newRecorder()
	p := newTestProvider(t, f, MaxConnections(1), Metrics(true, func() MeterRegistrar { return rec }))

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	_, errs := acquireAsync(context.Background(), p, "a")
	require.Eventually(t, pendingIs(p, "a", 1), waitFor, tick)

	p.Dispose()
	require.Equal(t, ErrClosed, <-errs)
	require.True(t, c.Conn.(*fakeConn).isClosed())
	require.True(t, p.IsDisposed())
	require.Empty(t, rec.liveKeys())

	// late release of a disposed connection
	require.NoError(t, c.Release())

	_, err = p.Acquire(context.Background(), "a")
	require.Equal(t, ErrClosed, err)

	p.Dispose()
}

func TestReleaseErrors(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f)

	c, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, ErrWrongKey, p.Release("b", c))
	require.NoError(t, p.Release("a", c))
	require.Equal(t, ErrNotInUse, p.Release("a", c))
	require.Equal(t, ErrNotInUse, c.Close())
}

func TestLeasingStrategy(t *testing.T) {
	tests := []struct {
		name     string
		leasing  LeasingStrategy
		wantNext int // index of the connection handed out next
	}{
		{"LIFO", LIFO, 1},
		{"FIFO", FIFO, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFactory{}
			clk := newFakeClock()
			p := newTestProvider(t, f, Leasing(tt.leasing), withClock(clk.now))

			var cs []*Conn
			for i := 0; i < 2; i++ {
				c, err := p.Acquire(context.Background(), "a")
				require.NoError(t, err)
				cs = append(cs, c)
			}
			for _, c := range cs {
				clk.advance(time.Second)
				require.NoError(t, c.Release())
			}
			c, err := p.Acquire(context.Background(), "a")
			require.NoError(t, err)
			require.Equal(t, cs[tt.wantNext].ID(), c.ID())
		})
	}
}

func TestMaxIdleConnections(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxIdleConnections(1))

	c1, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c1.Release())
	require.NoError(t, c2.Release())

	require.Equal(t, 1, p.Metrics("a").IdleSize())
	require.True(t, c2.Conn.(*fakeConn).isClosed())
}

func TestUnpooled(t *testing.T) {
	f := &fakeFactory{}
	p, err := NewUnpooled("unpooled", f.dial)
	require.NoError(t, err)
	defer p.Dispose()
	defer f.cleanup()

	for i := 0; i < 3; i++ {
		c, err := p.Acquire(context.Background(), "a")
		require.NoError(t, err)
		require.NoError(t, c.Release())
	}
	created, closed := f.counts()
	require.Equal(t, 3, created)
	require.Equal(t, 3, closed)
}

func TestSharedPool(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, Shared(), MaxConnections(1))

	ca, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, "a", ca.Key())
	require.NoError(t, ca.Release())

	// the idle connection of a is evicted to make room for b
	cb, err := p.Acquire(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, "b", cb.Key())
	require.True(t, ca.Conn.(*fakeConn).isClosed())
	require.Equal(t, []string{AnyKey}, p.Keys())

	// a waiter for another key gets a fresh connection
	conns, errs := acquireAsync(context.Background(), p, "a")
	require.Eventually(t, pendingIs(p, AnyKey, 1), waitFor, tick)
	require.NoError(t, cb.Release())
	select {
	case c := <-conns:
		require.Equal(t, "a", c.Key())
		require.NotEqual(t, cb.ID(), c.ID())
		require.NoError(t, c.Release())
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(waitFor):
		t.Fatal("waiter not served")
	}

	p.DisposeWhen("a")
	require.Equal(t, 0, p.Metrics(AnyKey).IdleSize())
}

func TestForKeyOverride(t *testing.T) {
	f := &fakeFactory{}
	p := newTestProvider(t, f, MaxConnections(10), ForKey("small", MaxConnections(1), PendingAcquireMaxCount(0)))

	c, err := p.Acquire(context.Background(), "small")
	require.NoError(t, err)
	defer c.Release()

	_, err = p.Acquire(context.Background(), "small")
	require.Equal(t, ErrPendingAcquireLimit, err)

	c2, err := p.Acquire(context.Background(), "big")
	require.NoError(t, err)
	defer c2.Release()
	require.Equal(t, 10, p.Metrics("big").MaxAllocatedSize())
}

func TestPreallocate(t *testing.T) {
	f := &fakeFactory{}
	rec := newRecorder()
	p := newTestProvider(t, f, Preallocate("a", "b"), Metrics(true, func() MeterRegistrar { return rec }))

	require.Equal(t, []string{"a", "b"}, p.Keys())
	require.Equal(t, map[string]bool{"a": true, "b": true}, rec.liveKeys())
	created, _ := f.counts()
	require.Equal(t, 0, created)
}

func TestInvalidSettings(t *testing.T) {
	f := &fakeFactory{}
	for _, opts := range [][]Option{
		{MaxConnections(0)},
		{MaxConnections(-5)},
		{PendingAcquireMaxCount(-3)},
		{MaxIdleTime(-time.Second)},
		{EvictInBackground(-time.Second)},
	} {
		_, err := New("bad", f.dial, opts...)
		require.Error(t, err)
	}
	_, err := New("nofactory", nil)
	require.Error(t, err)
}

func TestLoggerHook(t *testing.T) {
	f := &fakeFactory{fail: errors.New("refused")}
	var mu sync.Mutex
	levels := map[string]int{}
	logger := func(level int, msg string, kv ...interface{}) {
		mu.Lock()
		levels[msg] = level
		mu.Unlock()
	}
	p := newTestProvider(t, f, Logger(logger))
	_, err := p.Acquire(context.Background(), "a")
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, LvlDEBUG, levels["pool created"])
	require.Equal(t, LvlNOTICE, levels["connection creation failed"])
}
