// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/photonlab/pmmon/comm"
)

const (
	timeout = 5 * time.Second

	replyBufSize = 1500
)

// ParseError is generated when a device reply cannot be parsed as the type
// the command promises.
type ParseError struct {
	// Cmd is the command whose reply was malformed
	Cmd string

	// Resp is the raw reply
	Resp string

	// Err is the underlying strconv error
	Err error
}

// Error satisfies the stdlib error interface
func (e ParseError) Error() string {
	return fmt.Sprintf("malformed reply to %q: %q: %v", e.Cmd, e.Resp, e.Err)
}

// Unwrap returns the underlying parse failure
func (e ParseError) Unwrap() error { return e.Err }

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Timeout bounds each command/response exchange.  The zero value uses
	// a package default of five seconds.
	Timeout time.Duration
}

func (s *SCPI) deadline() time.Duration {
	if s.Timeout != 0 {
		return s.Timeout
	}
	return timeout
}

// Write sends a command to the device.  It is assumed this is used for set
// operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap = comm.NewTimeout(wrap, s.deadline())
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	return err
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap = comm.NewTimeout(wrap, s.deadline())
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return resp, err
	}
	buf := make([]byte, replyBufSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return resp, err
	}
	resp = buf[:n]
	return resp, err
}

// ReadString sends a command to the device, then reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err == nil && len(resp) > 0 {
		if resp[len(resp)-1] == '\n' {
			resp = resp[:len(resp)-1]
		}
	}
	if err == nil && len(resp) > 0 {
		if resp[len(resp)-1] == '\r' {
			resp = resp[:len(resp)-1]
		}
	}
	return string(resp), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, ParseError{Cmd: strings.Join(cmds, " "), Resp: resp, Err: err}
	}
	return f, nil
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(strings.TrimSpace(resp))
	if err != nil {
		return false, ParseError{Cmd: strings.Join(cmds, " "), Resp: resp, Err: err}
	}
	return b, nil
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer.  Devices which reply to integer
// queries in scientific notation ("7.800000E+02") are accommodated by
// parsing as float and rounding.
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(resp)
	if i, err := strconv.Atoi(trimmed); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, ParseError{Cmd: strings.Join(cmds, " "), Resp: resp, Err: err}
	}
	return int(math.Round(f)), nil
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.ReadString("SYST:ERR?")
	if err != nil {
		return err
	}
	if len(str) >= 2 && str[0:2] == "+0" {
		return nil
	}
	if strings.HasPrefix(str, "0,") {
		return nil
	}
	return fmt.Errorf("%s", str)
}
