// Package server contains shared pieces of the HTTP adapters: the JSON
// envelopes for scalar values and a payload type that renders them uniformly.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
)

// StrT is a struct with a single Str field, used for JSON of a lone string
type StrT struct {
	Str string `json:"str"`
}

// FloatT is a struct with a single F64 field, used for JSON of a lone float
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field, used for JSON of a lone int
type IntT struct {
	Int int `json:"int"`
}

// BoolT is a struct with a single Bool field, used for JSON of a lone bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a union of the scalar types above with a tag declaring
// which member is live.  It exists so handlers can reply with one line.
type HumanPayload struct {
	// T is the type of data in the payload
	T types.BasicKind

	// Bool holds a bool, if T == types.Bool
	Bool bool

	// Int holds an int, if T == types.Int
	Int int

	// Float holds a float64, if T == types.Float64
	Float float64

	// String holds a string, if T == types.String
	String string
}

// EncodeAndRespond writes the payload to w as JSON with an OK status.
// Unknown payload types are a programming error and reply 500.
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var (
		obj interface{}
	)
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
		fstr := fmt.Sprintf("payload type %v not known to the encoder", hp.T)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(obj)
	if err != nil {
		fstr := fmt.Sprintf("error encoding payload to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}
