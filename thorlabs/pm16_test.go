package thorlabs

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/photonlab/pmmon/comm"
	"github.com/photonlab/pmmon/scpi"
	"github.com/photonlab/pmmon/server/middleware/locker"

	"goji.io"
)

func TestPowerParsesWatts(t *testing.T) {
	pm, sim := NewSim()
	sim.PowerW = func() float64 { return 3.45e-3 }
	f, err := pm.Power()
	if err != nil {
		t.Fatal(err)
	}
	if f != 0.00345 {
		t.Errorf("expected 0.00345 W, got %v", f)
	}
	mw, err := pm.PowerMW()
	if err != nil {
		t.Fatal(err)
	}
	if mw < 3.4499 || mw > 3.4501 {
		t.Errorf("expected 3.45 mW, got %v", mw)
	}
}

func TestPowerMalformedReplyIsParseError(t *testing.T) {
	// a transport that always replies ERR, regardless of command
	bad := &errDevice{reply: "ERR\n"}
	pool := comm.NewPool(1, time.Hour, func() (io.ReadWriteCloser, error) {
		return bad, nil
	})
	pm := newPM16(pool)
	_, err := pm.Power()
	if err == nil {
		t.Fatal("expected an error for a non-numeric reply")
	}
	var pe scpi.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("expected ParseError, got %T: %v", err, err)
	}
}

type errDevice struct{ reply string }

func (d *errDevice) Write(p []byte) (int, error) { return len(p), nil }
func (d *errDevice) Read(p []byte) (int, error)  { return copy(p, d.reply), nil }
func (d *errDevice) Close() error                { return nil }

func TestWavelengthRoundTrip(t *testing.T) {
	pm, _ := NewSim()
	for _, nm := range []int{400, 684, 780, 1100} {
		if err := pm.SetWavelength(nm); err != nil {
			t.Fatalf("SetWavelength(%d): %v", nm, err)
		}
		got, err := pm.Wavelength()
		if err != nil {
			t.Fatalf("Wavelength after set %d: %v", nm, err)
		}
		if got != nm {
			t.Errorf("round trip: set %d, got %d", nm, got)
		}
		if pm.CachedWavelength() != nm {
			t.Errorf("cache: expected %d, got %d", nm, pm.CachedWavelength())
		}
	}
}

func TestSetWavelengthOutOfRange(t *testing.T) {
	pm, sim := NewSim()
	if err := pm.SetWavelength(780); err != nil {
		t.Fatal(err)
	}
	for _, nm := range []int{399, 1101, -5, 0} {
		err := pm.SetWavelength(nm)
		if err == nil {
			t.Fatalf("SetWavelength(%d): expected an error", nm)
		}
		var re RangeError
		if !errors.As(err, &re) {
			t.Errorf("expected RangeError, got %T: %v", err, err)
		}
		if pm.CachedWavelength() != 780 {
			t.Errorf("cache changed on rejected set: %d", pm.CachedWavelength())
		}
	}
	// nothing was written to the device either
	if sim.wavelength != 780 {
		t.Errorf("device wavelength changed on rejected set: %v", sim.wavelength)
	}
}

func TestIdentification(t *testing.T) {
	pm, _ := NewSim()
	id, err := pm.Identification()
	if err != nil {
		t.Fatal(err)
	}
	if id != "Thorlabs,PM16-121,SIMULATED,1.4.0" {
		t.Errorf("unexpected identification %q", id)
	}
}

func TestAutoRangeRoundTrip(t *testing.T) {
	pm, _ := NewSim()
	if err := pm.SetAutoRange(false); err != nil {
		t.Fatal(err)
	}
	b, err := pm.AutoRange()
	if err != nil {
		t.Fatal(err)
	}
	if b {
		t.Error("auto-range still reported on after disable")
	}
	if err := pm.SetAutoRange(true); err != nil {
		t.Fatal(err)
	}
	b, err = pm.AutoRange()
	if err != nil {
		t.Fatal(err)
	}
	if !b {
		t.Error("auto-range still reported off after enable")
	}
}

func TestHTTPWavelengthSetAndGet(t *testing.T) {
	pm, _ := NewSim()
	wrapper := NewHTTPWrapper(pm)
	mux := goji.NewMux()
	wrapper.Bind(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(map[string]int{"int": 850})
	resp, err := http.Post(srv.URL+"/wavelength", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /wavelength: status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/wavelength")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got struct {
		Int int `json:"int"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Int != 850 {
		t.Errorf("expected 850 nm, got %d", got.Int)
	}
}

func TestHTTPWavelengthOutOfRangeIs400(t *testing.T) {
	pm, _ := NewSim()
	wrapper := NewHTTPWrapper(pm)
	mux := goji.NewMux()
	wrapper.Bind(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(map[string]int{"int": 2000})
	resp, err := http.Post(srv.URL+"/wavelength", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for out of range wavelength, got %d", resp.StatusCode)
	}
}

func TestHTTPLockBouncesControlRoutes(t *testing.T) {
	pm, _ := NewSim()
	wrapper := NewHTTPWrapper(pm)
	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "power")
	locker.Inject(wrapper, lock)
	mux := goji.NewMux()
	mux.Use(lock.Check)
	wrapper.Bind(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(map[string]bool{"bool": true})
	resp, err := http.Post(srv.URL+"/lock", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /lock: status %d", resp.StatusCode)
	}

	body, _ = json.Marshal(map[string]int{"int": 850})
	resp, err = http.Post(srv.URL+"/wavelength", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("POST /wavelength while locked: expected 423, got %d", resp.StatusCode)
	}

	// readouts are exempted so the live display keeps working
	resp, err = http.Get(srv.URL + "/power/mw")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /power/mw while locked: expected 200, got %d", resp.StatusCode)
	}

	body, _ = json.Marshal(map[string]bool{"bool": false})
	resp, err = http.Post(srv.URL+"/lock", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	body, _ = json.Marshal(map[string]int{"int": 850})
	resp, err = http.Post(srv.URL+"/wavelength", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /wavelength after unlock: expected 200, got %d", resp.StatusCode)
	}
}

func TestHTTPPowerMW(t *testing.T) {
	pm, sim := NewSim()
	sim.PowerW = func() float64 { return 2e-3 }
	wrapper := NewHTTPWrapper(pm)
	mux := goji.NewMux()
	wrapper.Bind(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/power/mw")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got struct {
		F64 float64 `json:"f64"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.F64 < 1.999 || got.F64 > 2.001 {
		t.Errorf("expected 2 mW, got %v", got.F64)
	}
}
