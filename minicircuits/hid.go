/*Package minicircuits provides control of Mini-Circuits switch and
attenuator boxes over USB HID.

These instruments do not enumerate as serial ports; they speak raw HID
reports.  Each outbound report is a command byte followed by payload, zero
padded to the fixed report size.  The device answers asynchronously with a
report of the same size, so the transport keeps a one-slot mailbox filled by
a background reader and polls it after each send.
*/
package minicircuits

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/karalabe/hid"
	"golang.org/x/time/rate"
)

const (
	// DefaultPacketSize is the report size used by all Mini-Circuits
	// USB control boxes
	DefaultPacketSize = 64

	// DefaultTimeout is how long Ask waits for the device to answer
	DefaultTimeout = 2 * time.Second

	// pollHz is the mailbox polling rate while waiting for a reply
	pollHz = 5
)

var (
	// ErrReplyTimeout is generated when the device does not answer within
	// the transport's timeout
	ErrReplyTimeout = errors.New("minicircuits: timeout waiting for device reply")

	// ErrPayloadTooLarge is generated when a payload cannot fit in one report
	ErrPayloadTooLarge = errors.New("minicircuits: payload exceeds packet size")
)

// Transport is a HID connection to a Mini-Circuits box.  It must be created
// with Open or NewTransport; the zero value is not usable.
type Transport struct {
	dev        io.ReadWriteCloser
	packetSize int
	timeout    time.Duration
	mailbox    chan []byte
}

// Open finds the device with the given vendor and product ID and opens a
// transport to it.  If more than one matching device is connected, serial
// disambiguates; pass the empty string when only one box is attached.
func Open(vid, pid uint16, serial string) (*Transport, error) {
	infos := hid.Enumerate(vid, pid)
	var match *hid.DeviceInfo
	for i := range infos {
		if serial == "" || infos[i].Serial == serial {
			if match != nil {
				return nil, fmt.Errorf("minicircuits: multiple HID devices match %04x:%04x, provide a serial number", vid, pid)
			}
			match = &infos[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("minicircuits: no HID device found for %04x:%04x", vid, pid)
	}
	dev, err := match.Open()
	if err != nil {
		return nil, err
	}
	return NewTransport(dev, DefaultPacketSize, DefaultTimeout), nil
}

// NewTransport wraps an already opened HID device.  It exists so tests and
// exotic setups can supply their own device.
func NewTransport(dev io.ReadWriteCloser, packetSize int, timeout time.Duration) *Transport {
	t := &Transport{
		dev:        dev,
		packetSize: packetSize,
		timeout:    timeout,
		mailbox:    make(chan []byte, 1),
	}
	go t.reader()
	return t
}

// reader deposits the most recent inbound report into the mailbox.  It
// exits when the device read fails, which happens on Close.
func (t *Transport) reader() {
	for {
		buf := make([]byte, t.packetSize)
		n, err := t.dev.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		// only the latest report matters; drop any unread one
		select {
		case <-t.mailbox:
		default:
		}
		t.mailbox <- buf[:n]
	}
}

// Send transmits one report: the command byte, the payload, and zero
// padding out to the packet size.  No reply is awaited.
func (t *Transport) Send(command byte, data []byte) error {
	if len(data) > t.packetSize-1 {
		return ErrPayloadTooLarge
	}
	packet := make([]byte, t.packetSize)
	packet[0] = command
	copy(packet[1:], data)
	n, err := t.dev.Write(packet)
	if err != nil {
		return err
	}
	if n != len(packet) {
		return fmt.Errorf("minicircuits: short write, %d of %d bytes", n, len(packet))
	}
	return nil
}

// Ask transmits one report and waits for the device's answer, polling the
// mailbox at 5 Hz until the timeout elapses.  The leading command byte of
// the reply is stripped.
func (t *Transport) Ask(command byte, data []byte) ([]byte, error) {
	// flush a stale report so we cannot return an answer to an earlier ask
	select {
	case <-t.mailbox:
	default:
	}
	if err := t.Send(command, data); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	lim := rate.NewLimiter(pollHz, 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil, ErrReplyTimeout
		}
		select {
		case resp := <-t.mailbox:
			if len(resp) < 1 {
				return nil, fmt.Errorf("minicircuits: empty report from device")
			}
			return resp[1:], nil
		default:
		}
	}
}

// AskString is Ask for the many commands that answer with a NUL terminated
// ASCII string
func (t *Transport) AskString(command byte, data []byte) (string, error) {
	resp, err := t.Ask(command, data)
	if err != nil {
		return "", err
	}
	if idx := bytes.IndexByte(resp, 0); idx >= 0 {
		resp = resp[:idx]
	}
	return string(resp), nil
}

// Close shuts down the transport and the underlying device
func (t *Transport) Close() error {
	return t.dev.Close()
}
