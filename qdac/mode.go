package qdac

import "fmt"

// voltage range indices used on the wire; 0 is the wide +/-10V range,
// 1 is the attenuated +/-1V range
const (
	vRangeHigh = 0
	vRangeLow  = 1
)

// current sense range indices used on the wire; 1 is the 100uA range,
// 0 is the 1uA range
const (
	iRangeHigh = 1
	iRangeLow  = 0
)

// Mode is the combined voltage and current sensing range of a channel.
// The hardware only supports the three combinations enumerated here.
type Mode int

const (
	// ModeVHighIHigh is the wide voltage range with the high current range
	ModeVHighIHigh Mode = iota

	// ModeVHighILow is the wide voltage range with the low current range
	ModeVHighILow

	// ModeVLowILow is the attenuated voltage range with the low current range
	ModeVLowILow
)

// VRange returns the wire index of the mode's voltage range
func (m Mode) VRange() int {
	if m == ModeVLowILow {
		return vRangeLow
	}
	return vRangeHigh
}

// IRange returns the wire index of the mode's current sense range
func (m Mode) IRange() int {
	if m == ModeVHighIHigh {
		return iRangeHigh
	}
	return iRangeLow
}

// Label returns the mode as displayed to humans
func (m Mode) Label() string {
	switch m {
	case ModeVHighIHigh:
		return "V range high / I range high"
	case ModeVHighILow:
		return "V range high / I range low"
	case ModeVLowILow:
		return "V range low / I range low"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) String() string { return m.Label() }

// ParseMode maps a display label back to a Mode
func ParseMode(label string) (Mode, error) {
	for _, m := range []Mode{ModeVHighIHigh, ModeVHighILow, ModeVLowILow} {
		if label == m.Label() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("qdac: unrecognized mode %q", label)
}

// modeFromRanges maps a (vrange, irange) wire pair back to a Mode
func modeFromRanges(vrange, irange int) (Mode, error) {
	switch {
	case vrange == vRangeHigh && irange == iRangeHigh:
		return ModeVHighIHigh, nil
	case vrange == vRangeHigh && irange == iRangeLow:
		return ModeVHighILow, nil
	case vrange == vRangeLow && irange == iRangeLow:
		return ModeVLowILow, nil
	}
	return 0, fmt.Errorf("qdac: no mode for voltage range %d with current range %d", vrange, irange)
}
