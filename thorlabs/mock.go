package thorlabs

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/photonlab/pmmon/comm"
)

// SimPM16 emulates the PM16 command set at the transport level.  It backs
// the -mock mode of the server binary and the driver tests; the real driver
// code runs unmodified on top of it.
type SimPM16 struct {
	mu         sync.Mutex
	wavelength float64
	autoRange  bool
	zeroMag    float64
	pending    string

	// PowerW generates the next power reading in watts.  The default is a
	// noisy milliwatt-scale source.
	PowerW func() float64
}

// NewSim creates a simulated meter and a PM16 driver connected to it.
func NewSim() (*PM16, *SimPM16) {
	sim := &SimPM16{
		wavelength: 780,
		autoRange:  true,
		PowerW: func() float64 {
			return 1e-3 * (1 + 0.05*rand.Float64())
		},
	}
	pool := comm.NewPool(1, time.Hour, func() (io.ReadWriteCloser, error) {
		return sim, nil
	})
	return newPM16(pool), sim
}

// Write accepts one newline-terminated command and stages the reply, if the
// command is a query.
func (s *SimPM16) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := strings.TrimSpace(string(p))
	switch {
	case cmd == "*IDN?":
		s.pending = "Thorlabs,PM16-121,SIMULATED,1.4.0\n"
	case cmd == "Read?":
		s.pending = fmt.Sprintf("%E\n", s.PowerW())
	case cmd == "SENS:CORR:WAV?":
		s.pending = fmt.Sprintf("%E\n", s.wavelength)
	case strings.HasPrefix(cmd, "SENS:CORR:WAV "):
		f, err := strconv.ParseFloat(strings.TrimPrefix(cmd, "SENS:CORR:WAV "), 64)
		if err == nil {
			s.wavelength = f
		}
	case cmd == "SENS:CURR:RANG:AUTO?":
		if s.autoRange {
			s.pending = "1\n"
		} else {
			s.pending = "0\n"
		}
	case strings.HasPrefix(cmd, "SENS:CURR:RANG:AUTO "):
		s.autoRange = strings.TrimPrefix(cmd, "SENS:CURR:RANG:AUTO ") == "1"
	case strings.HasPrefix(cmd, "SENS:CURR:RANG:UPP "):
		// accepted, not modeled
	case cmd == "SENS:CORR:COLL:ZERO:INIT":
		s.zeroMag = s.PowerW()
	case cmd == "SENS:CORR:COLL:ZERO:MAGN?":
		s.pending = fmt.Sprintf("%E\n", s.zeroMag)
	case cmd == "SYST:ERR?":
		s.pending = "+0,\"No error\"\n"
	}
	return len(p), nil
}

// Read returns the staged reply, or an error mimicking a device timeout if
// there is none.
func (s *SimPM16) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == "" {
		return 0, fmt.Errorf("simulated read timeout: no reply pending")
	}
	n := copy(p, s.pending)
	s.pending = ""
	return n, nil
}

// Close satisfies io.ReadWriteCloser; the simulator has nothing to release.
func (s *SimPM16) Close() error { return nil }
