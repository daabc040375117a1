package thorlabs

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"

	"github.com/photonlab/pmmon/server"

	"goji.io"
	"goji.io/pat"
)

// HTTPWrapper provides HTTP bindings on top of the underlying Go interface.
// Bind must be called on it to attach the routes to a mux.
type HTTPWrapper struct {
	// Meter is the underlying power meter that is wrapped
	Meter *PM16

	// RouteTable maps goji patterns to http handlers
	RouteTable map[goji.Pattern]http.HandlerFunc
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table
// pre-configured
func NewHTTPWrapper(m *PM16) HTTPWrapper {
	w := HTTPWrapper{Meter: m}
	rt := map[goji.Pattern]http.HandlerFunc{
		pat.Get("/power"):       w.HTTPPower,
		pat.Get("/power/mw"):    w.HTTPPowerMW,
		pat.Get("/wavelength"):  w.HTTPGetWavelength,
		pat.Post("/wavelength"): w.HTTPSetWavelength,
		pat.Get("/autorange"):   w.HTTPGetAutoRange,
		pat.Post("/autorange"):  w.HTTPSetAutoRange,
		pat.Post("/zero"):       w.HTTPZero,
		pat.Get("/version"):     w.HTTPVersion,
	}
	w.RouteTable = rt
	return w
}

// RT returns the route table, so that middleware (e.g. package locker)
// can add routes before Bind is called.
func (h HTTPWrapper) RT() map[goji.Pattern]http.HandlerFunc {
	return h.RouteTable
}

// Bind attaches the route table to a goji mux.
func (h HTTPWrapper) Bind(mux *goji.Mux) {
	for p, hndl := range h.RouteTable {
		mux.HandleFunc(p, hndl)
	}
}

// HTTPPower reads the power in watts and returns it as json {"f64": value}
func (h HTTPWrapper) HTTPPower(w http.ResponseWriter, r *http.Request) {
	f, err := h.Meter.Power()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.Float64, Float: f}
	hp.EncodeAndRespond(w, r)
}

// HTTPPowerMW reads the power in milliwatts and returns it as json
// {"f64": value}
func (h HTTPWrapper) HTTPPowerMW(w http.ResponseWriter, r *http.Request) {
	f, err := h.Meter.PowerMW()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.Float64, Float: f}
	hp.EncodeAndRespond(w, r)
}

// HTTPGetWavelength queries the correction wavelength off the device and
// returns it as json {"int": value}
func (h HTTPWrapper) HTTPGetWavelength(w http.ResponseWriter, r *http.Request) {
	nm, err := h.Meter.Wavelength()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.Int, Int: nm}
	hp.EncodeAndRespond(w, r)
}

// HTTPSetWavelength parses json {"int": value} and sets the correction
// wavelength.  Out of range values get a 400, device errors a 500.
func (h HTTPWrapper) HTTPSetWavelength(w http.ResponseWriter, r *http.Request) {
	i := server.IntT{}
	err := json.NewDecoder(r.Body).Decode(&i)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Meter.SetWavelength(i.Int)
	if err != nil {
		var re RangeError
		if errors.As(err, &re) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGetAutoRange returns whether auto-ranging is enabled as json
// {"bool": value}
func (h HTTPWrapper) HTTPGetAutoRange(w http.ResponseWriter, r *http.Request) {
	b, err := h.Meter.AutoRange()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.Bool, Bool: b}
	hp.EncodeAndRespond(w, r)
}

// HTTPSetAutoRange parses json {"bool": value} and configures auto-ranging
func (h HTTPWrapper) HTTPSetAutoRange(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Meter.SetAutoRange(b.Bool)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPZero tares the meter at its current reading
func (h HTTPWrapper) HTTPZero(w http.ResponseWriter, r *http.Request) {
	err := h.Meter.Zero()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPVersion reads the identification string and sends it back as
// text/plain
func (h HTTPWrapper) HTTPVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Meter.Identification()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(v))
}
