/*Package thorlabs provides drivers for Thorlabs optical power meters.

The PM16 type speaks the undocumented but stable SCPI command set of the
PM16-series USB power meter consoles.  Each operation is one write followed
by at most one read; the only driver state is the cached wavelength.  Access
to the instrument is serialized through a comm.Pool of size one, so the
driver is safe for concurrent use and a wavelength change can never
interleave with an in-flight power read.
*/
package thorlabs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/photonlab/pmmon/comm"
	"github.com/photonlab/pmmon/scpi"
	"github.com/photonlab/pmmon/usbtmc"
	"github.com/tarm/serial"
)

const (
	// TLVID is the Thorlabs vendor ID
	TLVID = 0x1313

	// PM16PID is the PM16-series console product ID
	PM16PID = 0x807b
)

// WavelengthRange is the calibrated wavelength span of a meter's photodiode
// in nanometers, inclusive on both ends.
type WavelengthRange struct {
	Min int
	Max int
}

// Contains returns true if nm lies within the range.
func (wr WavelengthRange) Contains(nm int) bool {
	return nm >= wr.Min && nm <= wr.Max
}

// RangeError is generated when a requested wavelength lies outside the
// meter's calibrated range.  Nothing is written to the device.
type RangeError struct {
	Nm    int
	Range WavelengthRange
}

// Error satisfies the stdlib error interface
func (e RangeError) Error() string {
	return fmt.Sprintf("%d nm is not in [%d, %d] nm", e.Nm, e.Range.Min, e.Range.Max)
}

// PM16 represents a PM16-series power meter.  The silicon photodiode
// variants (PM16-121 et al.) are calibrated over 400-1100 nm, which is the
// default Range; adjust it for germanium or thermal heads.
type PM16 struct {
	s scpi.SCPI

	// Range is the calibrated wavelength span used to validate SetWavelength
	Range WavelengthRange

	mu         sync.Mutex
	wavelength int
	haveWave   bool
}

func newPM16(pool *comm.Pool) *PM16 {
	return &PM16{
		s:     scpi.SCPI{Pool: pool},
		Range: WavelengthRange{Min: 400, Max: 1100},
	}
}

// NewPM16 creates a PM16 over the first matching USB console, claiming it
// via libusb.  timeout bounds each transfer.
func NewPM16(timeout time.Duration) *PM16 {
	maker := usbtmc.ConnMaker(TLVID, PM16PID, timeout)
	pool := comm.NewPool(1, time.Hour, maker)
	pm := newPM16(pool)
	pm.s.Timeout = timeout
	return pm
}

// NewPM16File creates a PM16 over the kernel usbtmc class driver,
// e.g. /dev/usbtmc0.
func NewPM16File(path string) *PM16 {
	pool := comm.NewPool(1, time.Hour, usbtmc.FileConnMaker(path))
	return newPM16(pool)
}

// NewPM16TCP creates a PM16 reached through a terminal server at addr.
func NewPM16TCP(addr string) *PM16 {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	return newPM16(pool)
}

// NewPM16Serial creates a PM16 on an RS232 bridge described by conf.
func NewPM16Serial(conf *serial.Config) *PM16 {
	pool := comm.NewPool(1, time.Hour, comm.SerialConnMaker(conf))
	return newPM16(pool)
}

// Connect performs one transaction to prove the meter is reachable.  It is
// used at startup so a missing or unclaimable device is fatal before any
// monitoring begins.
func (pm *PM16) Connect() error {
	_, err := pm.Identification()
	return err
}

// Close releases the connection to the meter.
func (pm *PM16) Close() error {
	return pm.s.Pool.Close()
}

// Identification returns the identifying information from the meter.
// it looks something like:
//
// Thorlabs,PM16-121,<serial>,1.4.0
func (pm *PM16) Identification() (string, error) {
	return pm.s.ReadString("*IDN?")
}

// Power reads the current optical power in watts.
func (pm *PM16) Power() (float64, error) {
	return pm.s.ReadFloat("Read?")
}

// PowerMW reads the current optical power in milliwatts.
func (pm *PM16) PowerMW() (float64, error) {
	f, err := pm.Power()
	return f * 1e3, err
}

// SetWavelength sets the correction wavelength of the meter in nanometers.
// Values outside the calibrated range are rejected with a RangeError before
// anything is written to the device.  The meter does not acknowledge sets,
// so the cache updates optimistically; if the write errors, the cache is
// resynchronized from the device on a best effort basis.
func (pm *PM16) SetWavelength(nm int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.Range.Contains(nm) {
		return RangeError{Nm: nm, Range: pm.Range}
	}
	err := pm.s.Write(fmt.Sprintf("SENS:CORR:WAV %d", nm))
	if err != nil {
		if actual, rerr := pm.queryWavelength(); rerr == nil {
			pm.wavelength = actual
			pm.haveWave = true
		}
		return err
	}
	pm.wavelength = nm
	pm.haveWave = true
	return nil
}

// Wavelength queries the current correction wavelength of the meter in
// nanometers and refreshes the cache.
func (pm *PM16) Wavelength() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	nm, err := pm.queryWavelength()
	if err != nil {
		return 0, err
	}
	pm.wavelength = nm
	pm.haveWave = true
	return nm, nil
}

// queryWavelength reads the wavelength off the device.  callers hold mu.
func (pm *PM16) queryWavelength() (int, error) {
	// the meter replies in scientific notation, "7.800000E+02"
	return pm.s.ReadInt("SENS:CORR:WAV?")
}

// CachedWavelength returns the last wavelength known to be configured on
// the device, or zero if none has been set or read yet.
func (pm *PM16) CachedWavelength() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.haveWave {
		return 0
	}
	return pm.wavelength
}

// SetAutoRange enables or disables auto-ranging of the current measurement.
func (pm *PM16) SetAutoRange(b bool) error {
	v := "0"
	if b {
		v = "1"
	}
	return pm.s.Write("SENS:CURR:RANG:AUTO", v)
}

// AutoRange queries whether auto-ranging is enabled.
func (pm *PM16) AutoRange() (bool, error) {
	f, err := pm.s.ReadFloat("SENS:CURR:RANG:AUTO?")
	return f != 0, err
}

// SetRange disables auto-ranging and sets the upper bound of the current
// range, in amps of photodiode current.
func (pm *PM16) SetRange(upper float64) error {
	err := pm.SetAutoRange(false)
	if err != nil {
		return err
	}
	return pm.s.Write(fmt.Sprintf("SENS:CURR:RANG:UPP %E", upper))
}

// Zero tares the meter at its current reading.
func (pm *PM16) Zero() error {
	return pm.s.Write("SENS:CORR:COLL:ZERO:INIT")
}

// ZeroMagnitude returns the magnitude of the applied zero correction.
func (pm *PM16) ZeroMagnitude() (float64, error) {
	return pm.s.ReadFloat("SENS:CORR:COLL:ZERO:MAGN?")
}

// Raw sends a command and retrieves the reply if there is a question mark
// in the command, else returns "", err
func (pm *PM16) Raw(cmd string) (string, error) {
	if !strings.Contains(cmd, "?") {
		return "", pm.s.Write(cmd)
	}
	return pm.s.ReadString(cmd)
}
