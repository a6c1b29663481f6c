package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/postpipe/internal/observability"
	"github.com/danmuck/postpipe/internal/protocol"
	"github.com/danmuck/postpipe/internal/protocol/session"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidWorkers = errors.New("relay: workers must be positive")
	ErrListenerClosed = errors.New("relay: listener closed while running")
	ErrWorkerPanic    = errors.New("relay: worker panic")
)

const DefaultWorkers = 4

type SlotState string

const (
	SlotIdle       SlotState = "idle"
	SlotListening  SlotState = "listening"
	SlotServing    SlotState = "serving"
	SlotTerminated SlotState = "terminated"
)

// SlotStatus is a point-in-time view of one worker slot.
type SlotStatus struct {
	Index      int       `json:"index"`
	State      SlotState `json:"state"`
	Generation uint64    `json:"generation"`
	Served     uint64    `json:"served"`
	Failed     uint64    `json:"failed"`
	ConnID     string    `json:"conn_id,omitempty"`
	Since      time.Time `json:"since"`
}

// completion is what a worker reports when it exits.
type completion struct {
	slot     int
	accepted bool
	err      error
}

// Pool keeps N workers on one listener. Each worker accepts a single
// connection, serves it, and exits; the supervisor then starts a fresh worker
// in the same slot.
type Pool struct {
	ln      net.Listener
	handler ConnHandler
	backoff session.BackoffConfig

	mu       sync.Mutex
	slots    []SlotStatus
	failures []int
	conns    map[net.Conn]struct{}
	closing  bool

	done chan completion
	wg   sync.WaitGroup
}

func NewPool(ln net.Listener, workers int, handler ConnHandler, backoff session.BackoffConfig) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkers, workers)
	}
	if handler == nil {
		return nil, errors.New("relay: nil connection handler")
	}
	if backoff.InitialDelay <= 0 {
		backoff = session.DefaultBackoff()
	}
	now := time.Now()
	slots := make([]SlotStatus, workers)
	for i := range slots {
		slots[i] = SlotStatus{Index: i, State: SlotIdle, Since: now}
	}
	return &Pool{
		ln:       ln,
		handler:  handler,
		backoff:  backoff,
		slots:    slots,
		failures: make([]int, workers),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan completion, workers),
	}, nil
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Run starts every slot and supervises replacements until ctx ends. On
// shutdown it closes the listener and open connections, then waits for the
// workers to return.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer p.wg.Wait()
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = p.ln.Close()
		p.closeConns()
	}()

	for i := range p.slots {
		p.spawn(ctx, i, 0)
	}
	log.Info().Int("workers", len(p.slots)).Str("addr", p.ln.Addr().String()).Msg("relay.Pool.Run started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay.Pool.Run shutdown")
			return nil
		case c := <-p.done:
			if ctx.Err() != nil {
				continue
			}
			attempt, err := p.settle(c)
			if err != nil {
				return err
			}
			p.spawn(ctx, c.slot, attempt)
		}
	}
}

// settle records a finished worker and returns the backoff attempt its
// replacement should wait for.
func (p *Pool) settle(c completion) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.accepted {
		p.failures[c.slot] = 0
		return 0, nil
	}
	if errors.Is(c.err, net.ErrClosed) {
		return 0, fmt.Errorf("%w: %v", ErrListenerClosed, c.err)
	}
	p.failures[c.slot]++
	attempt := p.failures[c.slot]
	log.Warn().Int("slot", c.slot).Int("attempt", attempt).Err(c.err).Msg("relay.Pool accept failed")
	return attempt, nil
}

func (p *Pool) spawn(ctx context.Context, slot, attempt int) {
	p.setState(slot, SlotIdle, "", true)
	p.wg.Add(1)
	go p.work(ctx, slot, attempt)
}

func (p *Pool) work(ctx context.Context, slot, attempt int) {
	defer p.wg.Done()
	res := completion{slot: slot}
	defer func() {
		p.setState(slot, SlotTerminated, "", false)
		p.done <- res
	}()

	if err := session.WaitBackoff(ctx, p.backoff, attempt); err != nil {
		res.err = err
		return
	}
	p.setState(slot, SlotListening, "", false)
	conn, err := p.ln.Accept()
	if err != nil {
		res.err = err
		return
	}
	res.accepted = true

	connID := xid.New().String()
	p.track(conn)
	defer p.untrack(conn)
	p.setState(slot, SlotServing, connID, false)

	start := time.Now()
	res.err = p.serve(ctx, conn, slot, connID)
	kind := protocol.Kind(res.err)
	p.finish(slot, res.err == nil)
	observability.RecordConnection(kind)

	ev := log.Info()
	if res.err != nil {
		ev = log.Warn().Err(res.err)
	}
	ev.Int("slot", slot).
		Str("conn_id", connID).
		Str("result", kind).
		Dur("elapsed", time.Since(start)).
		Msg("relay.Pool connection closed")
}

// serve runs the handler with panics contained to this connection.
func (p *Pool) serve(ctx context.Context, conn net.Conn, slot int, connID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	defer conn.Close()
	return p.handler.ServeConn(ctx, conn, slot, connID)
}

// Snapshot returns a copy of every slot's status.
func (p *Pool) Snapshot() []SlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotStatus, len(p.slots))
	copy(out, p.slots)
	return out
}

// StateCounts tallies slots by state.
func (p *Pool) StateCounts() map[SlotState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

func (p *Pool) countsLocked() map[SlotState]int {
	counts := map[SlotState]int{
		SlotIdle:       0,
		SlotListening:  0,
		SlotServing:    0,
		SlotTerminated: 0,
	}
	for _, s := range p.slots {
		counts[s.State]++
	}
	return counts
}

func (p *Pool) setState(slot int, state SlotState, connID string, newGeneration bool) {
	p.mu.Lock()
	s := &p.slots[slot]
	s.State = state
	s.ConnID = connID
	s.Since = time.Now()
	if newGeneration {
		s.Generation++
	}
	gauge := make(map[string]int, 4)
	for st, n := range p.countsLocked() {
		gauge[string(st)] = n
	}
	observability.SetSlotStates(gauge)
	p.mu.Unlock()
}

func (p *Pool) finish(slot int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[slot].Served++
	if !ok {
		p.slots[slot].Failed++
	}
}

// track registers conn for shutdown. A conn accepted after shutdown began is
// closed immediately so its handler fails fast.
func (p *Pool) track(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		_ = conn.Close()
		return
	}
	p.conns[conn] = struct{}{}
}

func (p *Pool) untrack(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, conn)
}

func (p *Pool) closeConns() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closing = true
	for conn := range p.conns {
		_ = conn.Close()
	}
}
