// Package dac exposes control of channelized voltage sources over HTTP
package dac

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/qdevil-lab/golabq/generichttp"
	"github.com/qdevil-lab/golabq/server"
)

// DAC describes a multi-channel voltage source with 1-based channel numbers
type DAC interface {
	// NumChannels returns the number of output channels
	NumChannels() int

	// Voltage returns the last known output voltage of a channel
	Voltage(int) (float64, error)

	// ReadVoltage queries the device for the present output voltage of a channel
	ReadVoltage(int) (float64, error)

	// SetVoltage commands the output voltage of a channel
	SetVoltage(int, float64) error

	// Current returns the sensed output current of a channel in amperes
	Current(int) (float64, error)
}

// Sloper is a DAC which can rate-limit its voltage transitions
type Sloper interface {
	// Slope returns the slope limit of a channel in V/s; ok is false when unset
	Slope(int) (slope float64, ok bool, err error)

	// SetSlope assigns a slope limit in V/s to a channel
	SetSlope(int, float64) error

	// ReleaseSlope removes a channel's slope limit
	ReleaseSlope(int) error
}

// ModeController is a DAC whose channels have switchable output ranges
type ModeController interface {
	// ModeLabel returns the display label of a channel's range configuration
	ModeLabel(int) (string, error)

	// SetModeLabel switches a channel's range configuration by display label
	SetModeLabel(int, string) error
}

// Syncer is a DAC which can mark ramp starts on a sync output
type Syncer interface {
	// Sync returns the sync output assigned to a channel, 0 if none
	Sync(int) (int, error)

	// SetSync assigns a sync output to a channel, 0 to unassign
	SetSync(int, int) error
}

// Ramper is a DAC which can ramp a group of channels simultaneously
type Ramper interface {
	// RampVoltages ramps channels from start (read from the device when
	// empty) to end voltages over rampTime, returning the expected duration
	RampVoltages(chans []int, vStart, vEnd []float64, rampTime time.Duration) (time.Duration, error)
}

// Resetter is a DAC which can restore its power-on state
type Resetter interface {
	Reset(updateCurrents bool) error
}

// Versioner is a device which reports a firmware version
type Versioner interface {
	Version() string
}

func channelParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "ch"))
}

// GetVoltage returns an HTTP handler func that queries a channel's live voltage
func GetVoltage(d DAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := d.ReadVoltage(ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: v}
		hp.EncodeAndRespond(w, r)
	}
}

// GetCachedVoltage returns an HTTP handler func that reports a channel's last
// known voltage without touching the device
func GetCachedVoltage(d DAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := d.Voltage(ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: v}
		hp.EncodeAndRespond(w, r)
	}
}

// SetVoltage returns an HTTP handler func that commands a channel's voltage
func SetVoltage(d DAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := server.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = d.SetVoltage(ch, f.F64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetCurrent returns an HTTP handler func that reads a channel's output current
func GetCurrent(d DAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		i, err := d.Current(ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: i}
		hp.EncodeAndRespond(w, r)
	}
}

// GetSlope returns an HTTP handler func that reads a channel's slope limit.
// An unset slope reads as zero.
func GetSlope(s Sloper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slope, ok, err := s.Slope(ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			slope = 0
		}
		hp := server.HumanPayload{T: types.Float64, Float: slope}
		hp.EncodeAndRespond(w, r)
	}
}

// SetSlope returns an HTTP handler func that assigns a channel's slope limit
func SetSlope(s Sloper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := server.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.SetSlope(ch, f.F64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ReleaseSlope returns an HTTP handler func that removes a channel's slope limit
func ReleaseSlope(s Sloper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.ReleaseSlope(ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetMode returns an HTTP handler func that reads a channel's mode label
func GetMode(m ModeController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		label, err := m.ModeLabel(ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.String, String: label}
		hp.EncodeAndRespond(w, r)
	}
}

// SetMode returns an HTTP handler func that switches a channel's mode by label
func SetMode(m ModeController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s := server.StrT{}
		err = json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = m.SetModeLabel(ch, s.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetSync returns an HTTP handler func that reads a channel's sync output
func GetSync(s Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sync, err := s.Sync(ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.Int, Int: sync}
		hp.EncodeAndRespond(w, r)
	}
}

// SetSync returns an HTTP handler func that assigns a channel's sync output
func SetSync(s Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
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
		err = s.SetSync(ch, i.Int)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// rampRequest is the JSON body of a ramp command.  Start may be omitted, in
// which case the present voltages are read from the device.
type rampRequest struct {
	Channels []int     `json:"channels"`
	Start    []float64 `json:"start"`
	End      []float64 `json:"end"`

	// RampTime is the total ramp duration in seconds
	RampTime float64 `json:"ramptime"`
}

// Ramp returns an HTTP handler func that ramps a group of channels and replies
// with the expected ramp duration in seconds
func Ramp(rp Ramper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rampRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dur, err := rp.RampVoltages(req.Channels, req.Start, req.End,
			time.Duration(req.RampTime*float64(time.Second)))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: dur.Seconds()}
		hp.EncodeAndRespond(w, r)
	}
}

// Reset returns an HTTP handler func that restores the device's power-on state
func Reset(rs Resetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := server.BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = rs.Reset(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// HTTPDAC wraps a DAC in an HTTP route table, exposing whichever of the
// optional capabilities the concrete device supports
type HTTPDAC struct {
	// D is the underlying voltage source
	D DAC

	// RouteTable maps method-path pairs to handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPDAC returns a new HTTP wrapper around an existing voltage source
func NewHTTPDAC(d DAC) HTTPDAC {
	h := HTTPDAC{D: d}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/num-channels"}:            generichttp.GetInt(func() (int, error) { return d.NumChannels(), nil }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/chan/{ch}/voltage"}:       GetVoltage(d),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/chan/{ch}/voltage"}:      SetVoltage(d),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/chan/{ch}/voltage-last"}:  GetCachedVoltage(d),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/chan/{ch}/current"}:       GetCurrent(d),
	}
	if sloper, ok := d.(Sloper); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/chan/{ch}/slope"}] = GetSlope(sloper)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/chan/{ch}/slope"}] = SetSlope(sloper)
		rt[generichttp.MethodPath{Method: http.MethodDelete, Path: "/chan/{ch}/slope"}] = ReleaseSlope(sloper)
	}
	if moder, ok := d.(ModeController); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/chan/{ch}/mode"}] = GetMode(moder)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/chan/{ch}/mode"}] = SetMode(moder)
	}
	if syncer, ok := d.(Syncer); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/chan/{ch}/sync"}] = GetSync(syncer)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/chan/{ch}/sync"}] = SetSync(syncer)
	}
	if ramper, ok := d.(Ramper); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/ramp"}] = Ramp(ramper)
	}
	if resetter, ok := d.(Resetter); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/reset"}] = Reset(resetter)
	}
	if versioner, ok := d.(Versioner); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/version"}] = generichttp.GetString(func() (string, error) { return versioner.Version(), nil })
	}
	h.RouteTable = rt
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPDAC) RT() generichttp.RouteTable {
	return h.RouteTable
}
