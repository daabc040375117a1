/*Package monitor contains the machinery for a power recording loop.

It captures a power measurement from the meter every <interval> and forwards
each reading to a Display and, optionally, a Publisher.  A ring buffer of
recent readings is retained and can be served over HTTP.

Per-reading errors are forwarded to the Display and never terminate the
loop; after a failure, further device transactions are gated by a rate
limiter so a wedged meter is not hammered.
*/
package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/brandondube/ringo"
	"golang.org/x/time/rate"
)

// Reading is one timestamped power measurement paired with the wavelength
// the meter was configured for when it was taken.
type Reading struct {
	// PowerMW is the measured optical power in milliwatts
	PowerMW float64 `json:"power_mw"`

	// Wavelength is the correction wavelength in nanometers
	Wavelength int `json:"wavelength_nm"`

	// Time is when the measurement was taken
	Time time.Time `json:"time"`
}

// Meter is the surface of the power meter the monitor needs.
type Meter interface {
	// PowerMW reads the current power in milliwatts
	PowerMW() (float64, error)

	// CachedWavelength returns the last wavelength known to be configured,
	// zero if unknown
	CachedWavelength() int
}

// Display consumes readings and errors for presentation to a human.
type Display interface {
	// OnReading is invoked once per successful poll
	OnReading(Reading)

	// OnError is invoked when a poll fails
	OnError(error)
}

// Publisher forwards readings to subscribers, fire and forget.
type Publisher interface {
	Publish(Reading) error
}

// LogDisplay is a Display which writes to the stdlib logger, one line per
// reading.
type LogDisplay struct{}

// OnReading logs the reading
func (LogDisplay) OnReading(r Reading) {
	log.Printf("%f mW @ %d nm", r.PowerMW, r.Wavelength)
}

// OnError logs the error
func (LogDisplay) OnError(err error) {
	log.Printf("read error: %v", err)
}

// Monitor polls a meter on a fixed interval.  Create one with New; Start
// and Stop may each be called once.
type Monitor struct {
	meter Meter

	mu       sync.Mutex
	display  Display
	pub      Publisher
	interval time.Duration
	last     Reading
	haveLast bool
	power    ringo.CircleF64
	times    ringo.CircleTime

	// limiter gates device transactions after a failure so reconnect
	// attempts cannot storm
	limiter *rate.Limiter
	failing bool

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New creates a new Monitor polling meter every interval, retaining
// capacity readings.
func New(meter Meter, interval time.Duration, capacity int) *Monitor {
	m := &Monitor{
		meter:    meter,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.power.Init(capacity)
	m.times.Init(capacity)
	return m
}

// SetDisplay attaches a display.  Call before Start.
func (m *Monitor) SetDisplay(d Display) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.display = d
}

// SetPublisher attaches a publisher.  Call before Start.
func (m *Monitor) SetPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pub = p
}

// Interval returns the current poll interval.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetInterval changes the poll interval of a running monitor.
func (m *Monitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
	if m.ticker != nil {
		m.ticker.Reset(d)
	}
}

// Last returns the most recent successful reading and whether one exists.
func (m *Monitor) Last() (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.haveLast
}

// LastMW returns the most recent power in milliwatts, zero before the
// first successful reading.  It is shaped for a prometheus GaugeFunc.
func (m *Monitor) LastMW() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.PowerMW
}

// Start triggers operation of the monitor.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.ticker = time.NewTicker(m.interval)
	m.mu.Unlock()
	go m.runner()
}

// Stop kills the monitor.  A pending poll finishes within the device
// timeout; Stop returns once the loop has exited.  It is idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	select {
	case <-m.stop:
		// already stopped
		m.mu.Unlock()
		return
	default:
	}
	close(m.stop)
	started := m.ticker != nil
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

func (m *Monitor) runner() {
	defer close(m.done)
	defer m.ticker.Stop()
	for {
		select {
		case t := <-m.ticker.C:
			m.poll(t)
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) poll(t time.Time) {
	m.mu.Lock()
	failing := m.failing
	disp := m.display
	pub := m.pub
	m.mu.Unlock()
	if failing && !m.limiter.Allow() {
		// in an error state and not yet allowed to retry; skip this tick
		return
	}
	mw, err := m.meter.PowerMW()
	if err != nil {
		m.mu.Lock()
		m.failing = true
		m.mu.Unlock()
		if disp != nil {
			disp.OnError(err)
		}
		return
	}
	r := Reading{PowerMW: mw, Wavelength: m.meter.CachedWavelength(), Time: t}
	m.mu.Lock()
	m.failing = false
	m.last = r
	m.haveLast = true
	m.power.Append(r.PowerMW)
	m.times.Append(r.Time)
	m.mu.Unlock()
	if disp != nil {
		disp.OnReading(r)
	}
	if pub != nil {
		err = pub.Publish(r)
		if err != nil {
			log.Printf("publish error: %v", err)
		}
	}
}

// recent is the JSON shape of the ring buffer contents
type recent struct {
	PowerMW []float64   `json:"power_mw"`
	Time    []time.Time `json:"timestamp"`
}

// HTTPRecent returns the retained readings over HTTP, least to most recent.
func (m *Monitor) HTTPRecent(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	s := recent{
		PowerMW: m.power.Contiguous(),
		Time:    m.times.Contiguous(),
	}
	m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HTTPGetInterval returns the poll interval as json {"str": "500ms"}.
func (m *Monitor) HTTPGetInterval(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"str": m.Interval().String()})
}

// HTTPSetInterval parses json {"str": "<duration>"} and changes the poll
// interval.
func (m *Monitor) HTTPSetInterval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Str string `json:"str"`
	}
	err := json.NewDecoder(r.Body).Decode(&body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dur, err := time.ParseDuration(body.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// time.Ticker panics on Reset with a non-positive interval
	if dur <= 0 {
		http.Error(w, "interval must be positive", http.StatusBadRequest)
		return
	}
	m.SetInterval(dur)
	w.WriteHeader(http.StatusOK)
}
