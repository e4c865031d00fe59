package minicircuits

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"goji.io"
	"goji.io/pat"

	"github.com/qdevil-lab/golabq/server"
)

// HTTPWrapper provides HTTP bindings on top of the underlying switch;
// Bind must be called on it
type HTTPWrapper struct {
	// SPDTSwitch is the underlying switch box that is wrapped
	*SPDTSwitch

	// RouteTable maps goji patterns to http handlers
	RouteTable map[goji.Pattern]http.HandlerFunc
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(s *SPDTSwitch) HTTPWrapper {
	w := HTTPWrapper{SPDTSwitch: s}
	rt := map[goji.Pattern]http.HandlerFunc{
		pat.Get("/model-name"):    w.HTTPModel,
		pat.Get("/serial-number"): w.HTTPSerial,
		pat.Get("/switch/:sw"):    w.HTTPGetSwitch,
		pat.Post("/switch/:sw"):   w.HTTPSetSwitch,
	}
	w.RouteTable = rt
	return w
}

// Bind adds the routes in the table to a goji mux
func (h HTTPWrapper) Bind(mux *goji.Mux) {
	for p, handler := range h.RouteTable {
		mux.HandleFunc(p, handler)
	}
}

// HTTPModel returns the model name over HTTP as JSON
func (h HTTPWrapper) HTTPModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.Model()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: model}
	hp.EncodeAndRespond(w, r)
}

// HTTPSerial returns the serial number over HTTP as JSON
func (h HTTPWrapper) HTTPSerial(w http.ResponseWriter, r *http.Request) {
	serial, err := h.Serial()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: serial}
	hp.EncodeAndRespond(w, r)
}

// HTTPGetSwitch queries a switch position and pipes it back as an int json
func (h HTTPWrapper) HTTPGetSwitch(w http.ResponseWriter, r *http.Request) {
	sw, err := strconv.Atoi(pat.Param(r, "sw"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pos, err := h.GetSwitch(sw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.Int, Int: pos}
	hp.EncodeAndRespond(w, r)
}

// HTTPSetSwitch commands a switch position from an int json body
func (h HTTPWrapper) HTTPSetSwitch(w http.ResponseWriter, r *http.Request) {
	sw, err := strconv.Atoi(pat.Param(r, "sw"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	i := server.IntT{}
	err = json.NewDecoder(r.Body).Decode(&i)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.SetSwitch(sw, i.Int)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
