package monitor_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/photonlab/pmmon/monitor"
)

// scriptedMeter replays a fixed sequence of readings (or errors), then
// parks.
type scriptedMeter struct {
	mu         sync.Mutex
	script     []func() (float64, error)
	idx        int
	wavelength int
	exhausted  chan struct{}
	once       sync.Once
}

func newScriptedMeter(wavelength int, script ...func() (float64, error)) *scriptedMeter {
	return &scriptedMeter{
		script:     script,
		wavelength: wavelength,
		exhausted:  make(chan struct{}),
	}
}

func (m *scriptedMeter) PowerMW() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idx >= len(m.script) {
		m.once.Do(func() { close(m.exhausted) })
		return 0, errors.New("script exhausted")
	}
	f := m.script[m.idx]
	m.idx++
	if m.idx == len(m.script) {
		m.once.Do(func() { close(m.exhausted) })
	}
	return f()
}

func (m *scriptedMeter) CachedWavelength() int { return m.wavelength }

func ok(v float64) func() (float64, error) {
	return func() (float64, error) { return v, nil }
}

func fail(err error) func() (float64, error) {
	return func() (float64, error) { return 0, err }
}

// recorder implements Display and Publisher, recording every call.
type recorder struct {
	mu        sync.Mutex
	readings  []monitor.Reading
	errors    []error
	published []monitor.Reading
}

func (r *recorder) OnReading(rd monitor.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, rd)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) Publish(rd monitor.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, rd)
	return nil
}

func (r *recorder) snapshot() (readings []monitor.Reading, errs []error, published []monitor.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]monitor.Reading{}, r.readings...),
		append([]error{}, r.errors...),
		append([]monitor.Reading{}, r.published...)
}

func TestFiveReadingsArriveInOrder(t *testing.T) {
	want := []float64{1.0, 1.2, 0.9, 1.1, 1.0}
	script := make([]func() (float64, error), len(want))
	for i, v := range want {
		script[i] = ok(v)
	}
	meter := newScriptedMeter(780, script...)
	rec := &recorder{}
	m := monitor.New(meter, 5*time.Millisecond, 16)
	m.SetDisplay(rec)
	m.SetPublisher(rec)
	m.Start()
	select {
	case <-meter.exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not consume the script in time")
	}
	m.Stop()

	readings, _, published := rec.snapshot()
	if len(readings) != len(want) {
		t.Fatalf("expected %d readings, got %d", len(want), len(readings))
	}
	for i, r := range readings {
		if r.PowerMW != want[i] {
			t.Errorf("reading %d: expected %v mW, got %v", i, want[i], r.PowerMW)
		}
		if r.Wavelength != 780 {
			t.Errorf("reading %d: expected wavelength 780, got %d", i, r.Wavelength)
		}
		if r.Time.IsZero() {
			t.Errorf("reading %d has a zero timestamp", i)
		}
	}
	if len(published) != len(want) {
		t.Fatalf("expected %d published readings, got %d", len(want), len(published))
	}
	for i, r := range published {
		if r.PowerMW != want[i] {
			t.Errorf("published %d: expected %v mW, got %v", i, want[i], r.PowerMW)
		}
	}
}

func TestFailedReadDoesNotStopTheLoop(t *testing.T) {
	boom := errors.New("ERR")
	meter := newScriptedMeter(780, ok(1.0), fail(boom), ok(1.1))
	rec := &recorder{}
	m := monitor.New(meter, 5*time.Millisecond, 16)
	m.SetDisplay(rec)
	m.Start()
	select {
	case <-meter.exhausted:
	case <-time.After(10 * time.Second):
		t.Fatal("monitor did not consume the script in time")
	}
	m.Stop()

	readings, errs, _ := rec.snapshot()
	if len(readings) != 2 {
		t.Fatalf("expected 2 successful readings, got %d", len(readings))
	}
	if readings[0].PowerMW != 1.0 || readings[1].PowerMW != 1.1 {
		t.Errorf("unexpected readings %v", readings)
	}
	// ticks after the script runs out also surface errors; count only the
	// scripted one
	booms := 0
	for _, err := range errs {
		if errors.Is(err, boom) {
			booms++
		}
	}
	if booms != 1 {
		t.Errorf("expected the display to see the scripted error once, saw it %d times", booms)
	}
}

func TestErrorDoesNotProduceStaleReading(t *testing.T) {
	boom := errors.New("read timeout")
	meter := newScriptedMeter(780, ok(1.0), fail(boom))
	rec := &recorder{}
	m := monitor.New(meter, 5*time.Millisecond, 16)
	m.SetDisplay(rec)
	m.SetPublisher(rec)
	m.Start()
	select {
	case <-meter.exhausted:
	case <-time.After(10 * time.Second):
		t.Fatal("monitor did not consume the script in time")
	}
	m.Stop()

	readings, errs, published := rec.snapshot()
	if len(readings) != 1 || len(published) != 1 {
		t.Fatalf("expected exactly 1 reading and 1 publish, got %d and %d", len(readings), len(published))
	}
	if len(errs) == 0 {
		t.Fatal("expected the display to receive an error signal")
	}
	if !errors.Is(errs[0], boom) {
		t.Errorf("display received the wrong error first: %v", errs[0])
	}
}

func TestStopInterruptsPromptly(t *testing.T) {
	meter := newScriptedMeter(780, ok(1.0))
	m := monitor.New(meter, time.Hour, 16)
	m.SetDisplay(monitor.LogDisplay{})
	m.Start()
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt an idle loop")
	}
	// and Stop is idempotent
	m.Stop()
}

func TestLastTracksMostRecentReading(t *testing.T) {
	meter := newScriptedMeter(532, ok(2.5))
	m := monitor.New(meter, 5*time.Millisecond, 16)
	if _, ok := m.Last(); ok {
		t.Error("Last reported a reading before any poll")
	}
	m.Start()
	select {
	case <-meter.exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not poll in time")
	}
	m.Stop()
	r, ok := m.Last()
	if !ok {
		t.Fatal("Last reported no reading after a successful poll")
	}
	if r.PowerMW != 2.5 || r.Wavelength != 532 {
		t.Errorf("unexpected last reading %+v", r)
	}
	if m.LastMW() != 2.5 {
		t.Errorf("LastMW: expected 2.5, got %v", m.LastMW())
	}
}

func TestHTTPSetIntervalRejectsNonPositive(t *testing.T) {
	meter := newScriptedMeter(780)
	m := monitor.New(meter, 500*time.Millisecond, 16)
	srv := httptest.NewServer(http.HandlerFunc(m.HTTPSetInterval))
	defer srv.Close()

	for _, body := range []string{`{"str":"0s"}`, `{"str":"-5s"}`} {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if m.Interval() != 500*time.Millisecond {
		t.Errorf("interval changed by a rejected request: %v", m.Interval())
	}

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"str":"250ms"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST a valid interval: status %d", resp.StatusCode)
	}
	if m.Interval() != 250*time.Millisecond {
		t.Errorf("expected interval 250ms, got %v", m.Interval())
	}
}

func TestHTTPRecentServesBufferedReadings(t *testing.T) {
	meter := newScriptedMeter(780, ok(1.0), ok(2.0))
	m := monitor.New(meter, 5*time.Millisecond, 16)
	m.Start()
	select {
	case <-meter.exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not poll in time")
	}
	m.Stop()

	srv := httptest.NewServer(http.HandlerFunc(m.HTTPRecent))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got struct {
		PowerMW []float64   `json:"power_mw"`
		Time    []time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.PowerMW) != 2 || got.PowerMW[0] != 1.0 || got.PowerMW[1] != 2.0 {
		t.Errorf("unexpected buffer contents %v", got.PowerMW)
	}
}
