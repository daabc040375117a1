package comm

import (
	"io"
	"time"
)

// Terminator wraps a ReadWriter, appending the Tx terminator to each write
// and stripping the Rx terminator (and a carriage return preceding it) from
// each read.  Protocol layers above it deal only in payload bytes.
type Terminator struct {
	rw io.ReadWriter
	rx byte
	tx byte
}

// NewTerminator returns a Terminator with the given Rx and Tx termination
// bytes.  Most SCPI instruments use '\n' for both.
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

// Write sends p followed by the Tx terminator, unless p already ends with it.
func (t *Terminator) Write(p []byte) (int, error) {
	if len(p) > 0 && p[len(p)-1] == t.tx {
		return t.rw.Write(p)
	}
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, p...)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n == len(buf) {
		n-- // do not count the terminator against the caller's p
	}
	return n, err
}

// Read reads into p and trims a trailing Rx terminator and carriage return.
func (t *Terminator) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	if err != nil {
		return n, err
	}
	if n > 0 && p[n-1] == t.rx {
		n--
	}
	if n > 0 && p[n-1] == '\r' {
		n--
	}
	return n, nil
}

// deadliner is the subset of net.Conn used to bound I/O calls.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Timeout wraps a ReadWriter, refreshing I/O deadlines before each call if
// the underlying connection supports them.  Connections without deadline
// support (serial ports, USB devices with their own timeout machinery) pass
// through unchanged.
type Timeout struct {
	rw      io.ReadWriter
	d       deadliner
	timeout time.Duration
}

// NewTimeout decorates rw with a per-call deadline of timeout.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) *Timeout {
	t := &Timeout{rw: rw, timeout: timeout}
	// the Terminator wrapper may hide the connection; look through it
	if term, ok := rw.(*Terminator); ok {
		if d, ok := term.rw.(deadliner); ok {
			t.d = d
		}
	} else if d, ok := rw.(deadliner); ok {
		t.d = d
	}
	return t
}

func (t *Timeout) Write(p []byte) (int, error) {
	if t.d != nil {
		t.d.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	return t.rw.Write(p)
}

func (t *Timeout) Read(p []byte) (int, error) {
	if t.d != nil {
		t.d.SetReadDeadline(time.Now().Add(t.timeout))
	}
	return t.rw.Read(p)
}
