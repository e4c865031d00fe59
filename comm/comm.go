/*Package comm provides connection plumbing for communication with lab hardware.

Drivers in this module hold a single long-lived connection produced by one
of the makers here, frame their outbound commands with the Terminator
adapter, and, for network-attached devices, refresh io deadlines through
the Timeout wrapper:

	conn, err := comm.SerialConnMaker(cfg)()
	if err != nil {
		return err
	}
	wrap := comm.NewTerminator(conn, '\n', '\n')
	io.WriteString(wrap, "some command")

The makers encapsulate how a connection is (re)established, so a driver
does not care whether the far side is TCP or RS232.
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrTimeoutUnsupported is generated when NewTimeout is used on a connection
// that has no deadline support (e.g. a serial port, which bakes its timeout
// into the open call).
var ErrTimeoutUnsupported = errors.New("connection does not support deadlines")

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables and functions needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// BackingOffTCPConnMaker returns a CreationFunc which dials addr over TCP,
// retrying with exponential backoff.  Some devices (notably ones behind
// serial-to-ethernet bridges) do not like being connection thrashed, so the
// first interval is short and the total window is bounded.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				errS := strings.ToLower(err.Error())
				if strings.Contains(errS, "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port
// described by cfg.  The port's read timeout comes from cfg; the Timeout
// wrapper is a no-op for serial connections.
func SerialConnMaker(cfg *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(cfg)
	}
}

// Terminator wraps a ReadWriter, appending the Tx terminator to each write
// and stripping trailing Rx terminators from each read.  It does not buffer;
// each Read maps to one Read of the underlying connection.
type Terminator struct {
	rw     io.ReadWriter
	rx, tx byte
}

// NewTerminator returns a Terminator with the given Rx and Tx terminator bytes
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

func (t *Terminator) Write(b []byte) (int, error) {
	// b's backing array belongs to the caller; never grow it in place
	msg := make([]byte, len(b)+1)
	copy(msg, b)
	msg[len(b)] = t.tx
	n, err := t.rw.Write(msg)
	if n > len(b) {
		// do not let the caller see the terminator in the count
		n = len(b)
	}
	return n, err
}

func (t *Terminator) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	for n > 0 && p[n-1] == t.rx {
		n--
	}
	return n, err
}

// deadliner is satisfied by net.Conn and anything else with socket-like
// deadline semantics
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// timeoutWrapper refreshes the read and write deadlines of the underlying
// connection before each call
type timeoutWrapper struct {
	rw      io.ReadWriter
	conn    deadliner
	timeout time.Duration
}

// NewTimeout wraps rw so each Read or Write refreshes the connection's
// deadlines.  rw may be a Terminator; the deadline support of its inner
// connection is used.  If no deadline support is found, rw is returned
// unchanged along with ErrTimeoutUnsupported; serial connections fall in
// this category and rely on the timeout given at open.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	inner := rw
	if t, ok := rw.(*Terminator); ok {
		inner = t.rw
	}
	d, ok := inner.(deadliner)
	if !ok {
		return rw, ErrTimeoutUnsupported
	}
	return &timeoutWrapper{rw: rw, conn: d, timeout: timeout}, nil
}

func (t *timeoutWrapper) Write(b []byte) (int, error) {
	err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	if err != nil {
		return 0, err
	}
	return t.rw.Write(b)
}

func (t *timeoutWrapper) Read(p []byte) (int, error) {
	err := t.conn.SetReadDeadline(time.Now().Add(t.timeout))
	if err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}
