// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"go/types"
	"log"
	"net/http"
)

// FloatT is a struct with a single F64 field, used for json engagement
// with clients
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field, used for json engagement
// with clients
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field, used for json engagement
// with clients
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single Bool field, used for json engagement
// with clients
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct containing the basic types and their values,
// exactly one of which is populated per the T field.  It is used to reply to
// clients with a single scalar in a stable JSON shape.
type HumanPayload struct {
	// T holds the type of the data
	T types.BasicKind

	// Bool holds a binary value
	Bool bool

	// Int holds an integer value
	Int int

	// Float holds a floating point value
	Float float64

	// String holds a text value
	String string
}

// EncodeAndRespond writes the payload to w as JSON with
// Content-Type: application/json
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var obj interface{}
	switch hp.T {
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.String:
		obj = StrT{Str: hp.String}
	default:
		http.Error(w, "server: unknown payload type", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(obj)
	if err != nil {
		log.Printf("error encoding payload to json %q", err)
	}
}
