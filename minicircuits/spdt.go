package minicircuits

import (
	"fmt"
	"strconv"
	"strings"
)

// report command bytes from the Mini-Circuits programming manual
const (
	cmdSCPI         = 1
	cmdModelName    = 40
	cmdSerialNumber = 41
)

// Mini-Circuits USB vendor id, shared across their control boxes
const VendorID = 0x20ce

// SPDTSwitch drives an RC-series SPDT mechanical switch box.  Switches are
// addressed 1..N; positions are 1 (COM to port 1) or 2 (COM to port 2).
type SPDTSwitch struct {
	*Transport
}

// NewSPDTSwitch wraps a transport in the switch command set
func NewSPDTSwitch(t *Transport) *SPDTSwitch {
	return &SPDTSwitch{Transport: t}
}

// scpi sends one SCPI command over HID and returns the ASCII reply
func (s *SPDTSwitch) scpi(cmd string) (string, error) {
	return s.AskString(cmdSCPI, []byte(cmd))
}

// Model returns the device model name, e.g. "RC-2SPDT-A18"
func (s *SPDTSwitch) Model() (string, error) {
	return s.AskString(cmdModelName, nil)
}

// Serial returns the device serial number
func (s *SPDTSwitch) Serial() (string, error) {
	return s.AskString(cmdSerialNumber, nil)
}

// SetSwitch commands switch number sw to the given position
func (s *SPDTSwitch) SetSwitch(sw, position int) error {
	if position != 1 && position != 2 {
		return fmt.Errorf("minicircuits: SPDT position must be 1 or 2, got %d", position)
	}
	resp, err := s.scpi(fmt.Sprintf(":SPDT:%d:STATE:%d", sw, position))
	if err != nil {
		return err
	}
	// the box answers 1 on success, 0 on a rejected command
	if strings.TrimSpace(resp) != "1" {
		return fmt.Errorf("minicircuits: switch command rejected, response %q", resp)
	}
	return nil
}

// GetSwitch queries the position of switch number sw
func (s *SPDTSwitch) GetSwitch(sw int) (int, error) {
	resp, err := s.scpi(fmt.Sprintf(":SPDT:%d:STATE?", sw))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}
