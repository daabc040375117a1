package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
//
// A pool of size one serializes access to a device which cannot tolerate
// interleaved transactions, such as a USBTMC instrument.
type Pool struct {
	timeout time.Duration           // idle time after which connections are freed
	conns   chan io.ReadWriteCloser // idle connections
	leases  chan struct{}           // lease tokens; cap == pool size
	timer   *time.Timer             // fires when the idle pool should be drained
	maker   CreationFunc

	mu         sync.Mutex
	reclaiming bool // whether startReclaim's goroutine is running
}

// NewPool creates a new Pool which will hold up to maxSize connections and
// free them after they have all been idle for timeout.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		leases:  make(chan struct{}, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to close initially
	return p
}

// Get retrieves a connection from the pool, blocking until one is available
// if all are in use.  It is guaranteed that the holder has exclusive use of
// the ReadWriter until it is returned.
//
// When done, return the connection with Put, or with ReturnWithError if the
// transaction may have left it in a bad state.  If the error from Get is not
// nil, the connection must not be returned to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	// stopping the timer can fail as documented at
	// https://golang.org/pkg/time/#Timer.Stop but a new connection will be
	// made on demand anyway, so we can ignore that.
	p.timer.Stop()

	p.leases <- struct{}{} // blocks when all connections are leased out
	select {
	case c := <-p.conns:
		return c, nil
	default:
	}
	// no idle connection; make one.  Surrender the lease if we are about
	// to hand out garbage.
	c, err := p.maker()
	if err != nil {
		<-p.leases
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.  Junk connections (ones that always error) should be
// Destroy()'d and not returned with Put.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := (rw).(io.ReadWriteCloser)
	p.conns <- rwc
	<-p.leases
	if len(p.conns) == cap(p.conns) {
		p.startReclaim()
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := (rw).(io.ReadWriteCloser)
	rwc.Close()
	<-p.leases
}

// ReturnWithError returns a connection with Put if err is nil, otherwise it
// Destroys the connection so a fresh one is made on the next Get.  A failed
// transaction may leave unread bytes on the wire which would corrupt the
// next exchange.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it.
func (p *Pool) Size() int {
	return len(p.conns) + len(p.leases)
}

// Active returns the number of connections owned by the pool that are
// currently given out.
func (p *Pool) Active() int {
	return len(p.leases)
}

// Close destroys all idle connections in the pool.  Leased connections are
// the holder's problem.
func (p *Pool) Close() error {
	var err error
	for {
		select {
		case c := <-p.conns:
			e := c.Close()
			if err == nil {
				err = e
			}
		default:
			return err
		}
	}
}

// startReclaim spawns another goroutine which will be used to close all
// connections in the pool after the timeout elapses.
func (p *Pool) startReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	// re-arm even when the goroutine is already parked on the timer: Get
	// stops the timer each time it checks a connection out, which would
	// otherwise leave the goroutine waiting forever and reclaim dead
	p.timer.Reset(p.timeout)
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	go func() {
		for {
			<-p.timer.C
			p.Close()
			p.mu.Lock()
			if len(p.conns) == 0 {
				p.reclaiming = false
				p.mu.Unlock()
				return
			}
			// a connection came back while we were draining; go again
			p.timer.Reset(p.timeout)
			p.mu.Unlock()
		}
	}()
}
