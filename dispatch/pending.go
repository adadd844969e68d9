package dispatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/tether/event"
)

// pendingEntry tracks one issued request awaiting its correlated response.
type pendingEntry struct {
	reqID    string
	connID   string
	deadline time.Time
	cb       Callback
}

// Pending is the request-id → waiter table behind request/response. Entries
// resolve on a matching response id or expire on a periodic sweep; each
// entry's callback fires exactly once.
type Pending struct {
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*pendingEntry
	stopped bool

	sweepEvery time.Duration
	stop       chan struct{}
	done       sync.WaitGroup
}

// NewPending builds a pending table sweeping at the given interval.
func NewPending(sweepEvery time.Duration, logger zerolog.Logger) *Pending {
	if sweepEvery <= 0 {
		sweepEvery = 250 * time.Millisecond
	}
	return &Pending{
		logger:     logger,
		entries:    make(map[string]*pendingEntry),
		sweepEvery: sweepEvery,
		stop:       make(chan struct{}),
	}
}

// Start launches the timeout sweep.
func (p *Pending) Start() {
	p.done.Add(1)
	go p.run()
}

// Add registers a request awaiting a response. connID names the peer the
// request went to, so FailConn can terminate its entries on disconnect.
func (p *Pending) Add(reqID, connID string, timeout time.Duration, cb Callback) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cb(event.Event{}, ErrClosed)
		return
	}
	p.entries[reqID] = &pendingEntry{
		reqID:    reqID,
		connID:   connID,
		deadline: time.Now().Add(timeout),
		cb:       cb,
	}
	p.mu.Unlock()
}

// Resolve matches a response to its request. It reports whether a pending
// entry existed; a late response after timeout resolves nothing.
func (p *Pending) Resolve(reqID string, ev event.Event) bool {
	p.mu.Lock()
	e, ok := p.entries[reqID]
	if ok {
		delete(p.entries, reqID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.cb(ev, nil)
	return true
}

// Cancel drops an entry without invoking its callback.
func (p *Pending) Cancel(reqID string) bool {
	p.mu.Lock()
	_, ok := p.entries[reqID]
	if ok {
		delete(p.entries, reqID)
	}
	p.mu.Unlock()
	return ok
}

// FailConn terminates every entry addressed to the given connection with
// ErrClosed. Invoked on connection close.
func (p *Pending) FailConn(connID string) {
	var failed []*pendingEntry
	p.mu.Lock()
	for id, e := range p.entries {
		if e.connID == connID {
			delete(p.entries, id)
			failed = append(failed, e)
		}
	}
	p.mu.Unlock()
	for _, e := range failed {
		e.cb(event.Event{}, ErrClosed)
	}
}

// Len reports the number of outstanding requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stop halts the sweep and terminates every outstanding entry with
// ErrClosed.
func (p *Pending) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	remaining := make([]*pendingEntry, 0, len(p.entries))
	for _, e := range p.entries {
		remaining = append(remaining, e)
	}
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()

	close(p.stop)
	p.done.Wait()
	for _, e := range remaining {
		e.cb(event.Event{}, ErrClosed)
	}
}

func (p *Pending) run() {
	defer p.done.Done()
	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// sweep fires the timeout path for entries past their deadline.
func (p *Pending) sweep(now time.Time) {
	var expired []*pendingEntry
	p.mu.Lock()
	for id, e := range p.entries {
		if now.After(e.deadline) {
			delete(p.entries, id)
			expired = append(expired, e)
		}
	}
	p.mu.Unlock()

	for _, e := range expired {
		p.logger.Debug().Str("req_id", e.reqID).Str("conn_id", e.connID).Msg("pending request timed out")
		e.cb(event.Event{}, ErrTimeout)
	}
}
