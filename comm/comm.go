/*Package comm provides connection management for communication with lab hardware.

The central type is Pool, which holds connections to a device and hands them
out one at a time.  A pool of size one doubles as the serialization point for
instruments that cannot tolerate interleaved transactions; every consumer
checks a connection out, performs one command/response exchange, and returns
it.

Connections are created by a CreationFunc.  This package provides makers for
TCP (with exponential backoff on dial, terminal servers do not like being
connection thrashed) and RS232 serial ports.  Package usbtmc provides makers
for USB test and measurement class devices.

The Terminator and Timeout wrappers decorate a connection with line
termination and I/O deadlines so that protocol layers (e.g. package scpi)
do not deal with either concern.
*/
package comm

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when an operation is attempted on a nil
	// connection.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not
	// found in a response.
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something.
// a closure should be used to encapsulate the variables and functions needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// BackingOffTCPConnMaker returns a CreationFunc which dials addr over TCP,
// retrying with exponential backoff for up to maxElapsed.  Devices behind
// terminal servers frequently refuse the first dial after a disconnect.
func BackingOffTCPConnMaker(addr string, maxElapsed time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn io.ReadWriteCloser
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, maxElapsed)
			if err != nil {
				errS := strings.ToLower(err.Error())
				if strings.Contains(errS, "refused") {
					return err
				}
				// timeouts and transient network errors are permanent from
				// backoff's perspective; the caller decides whether to retry
				return backoff.Permanent(err)
			}
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      maxElapsed,
			Clock:               backoff.SystemClock})
		return conn, err
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port
// described by conf.
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read,
// and write.  The Timeout wrapper refreshes the deadlines on each call.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
