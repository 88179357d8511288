package reaper

import (
	"net"
	"sync/atomic"
	"time"
)

// maxReapers is the number of reaper go-routines a Monitor will run.
const maxReapers = 2

// Monitor hands connections to reaper go-routines. Reapers are started on
// demand and exit after two ticks without any connections.
type Monitor struct {
	incoming chan *conn
	interval time.Duration
	maxMiss  int64
	reapers  uint32
	byDef    bool
}

// NewMonitor returns a Monitor closing connections inactive for at least
// timeout, checking every interval. If enableByDefault is false
// IOActivityTimeout must be called to enable monitoring for a connection.
func NewMonitor(timeout, interval time.Duration, enableByDefault bool) *Monitor {
	if interval <= 0 {
		interval = timeout
	}
	if timeout < interval {
		timeout = interval
	}
	return &Monitor{
		incoming: make(chan *conn),
		interval: interval,
		maxMiss:  int64(timeout / interval),
		byDef:    enableByDefault,
	}
}

// Wrap returns c wrapped for IO activity monitoring.
func (m *Monitor) Wrap(c net.Conn) net.Conn {
	ic := &conn{Conn: c}
	ic.monitored.set(m.byDef)
	for {
		select {
		case m.incoming <- ic:
			return ic
		default:
			r := atomic.LoadUint32(&m.reapers)
			if r < maxReapers && atomic.CompareAndSwapUint32(&m.reapers, r, r+1) {
				go m.reap(ic)
				return ic
			}
		}
	}
}

// Reapers returns the number of running reaper go-routines.
func (m *Monitor) Reapers() int {
	return int(atomic.LoadUint32(&m.reapers))
}

func (m *Monitor) reap(first *conn) {
	defer atomic.AddUint32(&m.reapers, ^uint32(0))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	head := first
	var empty int
	for empty < 2 {
		select {
		case c := <-m.incoming:
			empty = 0
			c.next = head
			head = c
		case <-ticker.C:
			if head == nil {
				empty++
				continue
			}
			head = m.sweep(head)
		}
	}
}

// sweep checks every connection in the list, returning the new head.
func (m *Monitor) sweep(head *conn) *conn {
	var prev *conn
	for curr := head; curr != nil; curr = curr.next {
		a := atomic.LoadUint64(&curr.activity)
		remove := a&1 != 0
		if !remove && curr.monitored.isSet() {
			if a == curr.lastActivity {
				curr.misses++
				if curr.misses >= m.maxMiss {
					curr.reap()
					remove = true
				}
			} else {
				curr.lastActivity = a
				curr.misses = 0
			}
		}
		if !remove {
			prev = curr
			continue
		}
		if prev == nil {
			head = curr.next
		} else {
			prev.next = curr.next
		}
	}
	return head
}
