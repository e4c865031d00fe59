/*Package qdac provides a channelised driver for the QDevil QDAC
multi-channel precision voltage source.

The QDAC speaks a newline terminated ASCII protocol over a serial link and
answers every command, including pure sets, with exactly one reply line.
Commands may be concatenated with semicolons, in which case the device emits
one reply line per sub-command; the driver drains all of them after every
write so reads never desynchronize from writes.

The instrument carries 8 hardware staircase generators and 9 triggers which
the driver hands out to channels for smooth voltage ramps; see RampVoltages
and RampVoltages2D.  All state (cached voltages, modes, slopes, generator
and sync assignments) is owned by the QDac session object and nothing in
this package is safe for concurrent use from multiple goroutines.
*/
package qdac

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/qdevil-lab/golabq/comm"
	"github.com/qdevil-lab/golabq/util"
)

const (
	// channelsPerBoard is fixed by the hardware; boardNum reports boards
	channelsPerBoard = 8

	// minFirmware is the oldest firmware whose command set this driver speaks
	minFirmware = 1.07
)

// ErrNonZeroVoltage is generated when a voltage range change is requested at
// non-zero output without the ModeForce override
var ErrNonZeroVoltage = errors.New(
	"qdac: set the voltage to zero before changing the voltage range in order to avoid jumps or spikes, " +
		"or enable ModeForce to allow range changes at non-zero voltages")

// maxZeroVoltage is the per-voltage-range magnitude under which a channel
// output is considered zero for range switching purposes
var maxZeroVoltage = map[int]float64{
	vRangeHigh: 20e-6,
	vRangeLow:  3e-6,
}

// Bounds is a calibrated min/max output voltage pair
type Bounds struct {
	Min float64
	Max float64
}

// Contains reports whether v lies inside the bounds, inclusive
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// channel is the per-channel cached state.  Voltages and modes mirror the
// hardware as of the last status query or set through this session.
type channel struct {
	v            float64
	mode         Mode
	slope        float64 // V/s; 0 means unassigned, i.e. immediate sets
	sync         int     // sync output id, 0 means none
	syncDelay    time.Duration
	syncDuration time.Duration
	bounds       [2]Bounds // calibrated output bounds per voltage range
}

// activeBounds returns the calibrated bounds for the channel's present mode
func (c *channel) activeBounds() Bounds {
	return c.bounds[c.mode.VRange()]
}

// QDac is a session with one QDAC unit.  Create with New or NewFromConn.
//
// ModeForce permits voltage range changes at non-zero output voltage; the
// pre-change voltage is then clipped into the new range's calibrated bounds.
type QDac struct {
	ModeForce bool

	conn io.ReadWriteCloser
	tx   *comm.Terminator
	rdr  *bufio.Reader

	numChans int
	numSyns  int
	version  string

	channels []*channel

	// ramp bookkeeping, see pool.go
	assignedFGs      map[int]*generator // channel -> generator
	assignedTriggers map[int]int        // generator id -> trigger id

	// the last reply line drained by write, for callers that need it
	lastResponse string

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// makeSerConf returns the serial config the QDAC ships with
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        480600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 2 * time.Second}
}

// New opens the serial device at addr and initializes a session: firmware
// check, channel discovery, calibrated range query, and a full state read.
func New(addr string) (*QDac, error) {
	conn, err := comm.SerialConnMaker(makeSerConf(addr))()
	if err != nil {
		return nil, err
	}
	return NewFromConn(conn)
}

// NewTCP initializes a session with a QDAC behind a serial-to-ethernet
// bridge at addr, retrying the dial with backoff while the bridge boots.
// Reads and writes carry the same deadline the serial path gets from its
// ReadTimeout.
func NewTCP(addr string) (*QDac, error) {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	conn, err := maker()
	if err != nil {
		return nil, err
	}
	rw, err := comm.NewTimeout(conn, 2*time.Second)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return NewFromConn(struct {
		io.ReadWriter
		io.Closer
	}{rw, conn})
}

// NewFromConn initializes a session over an existing connection.  The
// connection is owned by the session afterward.
func NewFromConn(conn io.ReadWriteCloser) (*QDac, error) {
	q := &QDac{
		conn:             conn,
		tx:               comm.NewTerminator(conn, '\n', '\n'),
		rdr:              bufio.NewReader(conn),
		assignedFGs:      map[int]*generator{},
		assignedTriggers: map[int]int{},
		now:              time.Now,
		sleep:            time.Sleep,
	}
	fw, err := q.firmwareVersion()
	if err != nil {
		return nil, err
	}
	if fw < minFirmware {
		return nil, fmt.Errorf("qdac: no QDAC detected or firmware %.2f is obsolete; this driver requires %.2f or newer", fw, minFirmware)
	}
	boards, err := q.numberOfBoards()
	if err != nil {
		return nil, err
	}
	q.numChans = channelsPerBoard * boards
	q.numSyns = boards - 1
	if q.numSyns < 1 {
		q.numSyns = 1
	}
	q.channels = make([]*channel, q.numChans)
	for i := range q.channels {
		q.channels[i] = &channel{
			mode:         ModeVHighIHigh,
			syncDuration: 10 * time.Millisecond,
		}
	}
	if err := q.updateVoltageRanges(); err != nil {
		return nil, err
	}
	// the driver requires verbose mode off everywhere else
	if err := q.write("ver 0"); err != nil {
		return nil, err
	}
	if err := q.UpdateCache(false); err != nil {
		return nil, err
	}
	if err := q.loadState(); err != nil {
		return nil, err
	}
	return q, nil
}

// Close closes the connection to the device
func (q *QDac) Close() error {
	return q.conn.Close()
}

// Version returns the firmware version string reported at connect
func (q *QDac) Version() string { return q.version }

// NumChannels returns the number of physical channels (8 per board)
func (q *QDac) NumChannels() int { return q.numChans }

// NumSyncOutputs returns the number of sync outputs on this unit
func (q *QDac) NumSyncOutputs() int { return q.numSyns }

/////////////////////////
// line protocol
/////////////////////////

// write sends one (possibly semicolon joined) command and drains exactly one
// reply line per sub-command.  The QDAC answers everything, even pure sets;
// failing to consume a reply would desynchronize every read that follows.
// The final reply line is retained in lastResponse.
func (q *QDac) write(cmd string) error {
	_, err := io.WriteString(q.tx, cmd)
	if err != nil {
		return err
	}
	for i := 0; i < strings.Count(cmd, ";")+1; i++ {
		resp, err := q.readLine()
		if err != nil {
			return err
		}
		q.lastResponse = resp
	}
	return nil
}

// ask is write, returning the reply of the last sub-command
func (q *QDac) ask(cmd string) (string, error) {
	err := q.write(cmd)
	return q.lastResponse, err
}

// readLine consumes one reply line, stripping the terminator
func (q *QDac) readLine() (string, error) {
	s, err := q.rdr.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// waitAndClear pauses for the device to finish talking, then discards any
// buffered input.  Used to recover from a desynchronized exchange.
func (q *QDac) waitAndClear() {
	q.sleep(500 * time.Millisecond)
	q.rdr.Discard(q.rdr.Buffered())
}

// Raw passes a command through to the device and returns its reply verbatim
func (q *QDac) Raw(cmd string) (string, error) {
	return q.ask(cmd)
}

/////////////////////////
// initialization queries
/////////////////////////

// firmwareVersion probes with "version"; a non-QDAC on the port yields 0.0
func (q *QDac) firmwareVersion() (float64, error) {
	resp, err := q.ask("version")
	if err != nil {
		return 0, err
	}
	if strings.Contains(resp, "Unrecognized command") || !strings.Contains(resp, "Software Version: ") {
		return 0, nil
	}
	q.version = strings.TrimSpace(strings.TrimPrefix(resp, "Software Version: "))
	return strconv.ParseFloat(q.version, 64)
}

func (q *QDac) numberOfBoards() (int, error) {
	resp, err := q.ask("boardNum")
	if err != nil {
		return 0, err
	}
	resp = strings.TrimSpace(strings.TrimPrefix(resp, "numberOfBoards:"))
	return strconv.Atoi(resp)
}

// minMaxOutputVoltage queries the calibrated output bounds of one channel in
// one voltage range.  Requires verbose mode on (firmware 1.07 reports these
// verbosely in either mode, but that is a firmware bug we don't rely on).
func (q *QDac) minMaxOutputVoltage(ch, vrange int) (Bounds, error) {
	var b Bounds
	resp, err := q.ask(fmt.Sprintf("rang %d %d", ch, vrange))
	if err != nil {
		return b, err
	}
	after := strings.SplitN(resp, "MIN:", 2)
	if len(after) != 2 {
		return b, fmt.Errorf("qdac: unrecognized range response: %q", resp)
	}
	parts := strings.SplitN(after[1], "MAX:", 2)
	if len(parts) != 2 {
		return b, fmt.Errorf("qdac: unrecognized range response: %q", resp)
	}
	b.Min, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return b, err
	}
	b.Max, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	return b, err
}

func (q *QDac) updateVoltageRanges() error {
	if err := q.write("ver 1"); err != nil {
		return err
	}
	for ch := 1; ch <= q.numChans; ch++ {
		for _, vrange := range []int{vRangeHigh, vRangeLow} {
			b, err := q.minMaxOutputVoltage(ch, vrange)
			if err != nil {
				return err
			}
			q.channels[ch-1].bounds[vrange] = b
		}
	}
	return q.write("ver 0")
}

// loadState rebuilds the generator, trigger and sync output bookkeeping
// from the hardware.  A freshly opened session may be talking to a unit
// with ramps in flight; treating its running generators as free would let
// a new ramp silently hijack them.  Slopes cannot be recovered: a running
// generator may belong to an assigned slope or to an explicit ramp call,
// and the hardware cannot tell the two apart.
func (q *QDac) loadState() error {
	q.assignedFGs = map[int]*generator{}
	q.assignedTriggers = map[int]int{}
	fgOwners := map[int]int{}
	for ch := 1; ch <= q.numChans; ch++ {
		resp, err := q.ask(fmt.Sprintf("wav %d", ch))
		if err != nil {
			return err
		}
		pieces := strings.Split(resp, ",")
		if len(pieces) != 3 {
			return fmt.Errorf("qdac: unrecognized waveform response: %q", resp)
		}
		fg, err := strconv.Atoi(strings.TrimSpace(pieces[0]))
		if err != nil {
			return err
		}
		if fg < 1 || fg > numGenerators {
			continue
		}
		amplitude, err := strconv.ParseFloat(strings.TrimSpace(pieces[1]), 64)
		if err != nil {
			return err
		}
		offset, err := strconv.ParseFloat(strings.TrimSpace(pieces[2]), 64)
		if err != nil {
			return err
		}
		end, trigger, err := q.generatorEnd(fg, amplitude, offset, q.channels[ch-1].v)
		if err != nil {
			return err
		}
		q.assignedFGs[ch] = &generator{id: fg, end: end}
		if trigger != 0 {
			q.assignedTriggers[fg] = trigger
		}
		fgOwners[fg] = ch
	}
	if len(fgOwners) == 0 {
		return nil
	}
	for syn := 1; syn <= q.numSyns; syn++ {
		resp, err := q.ask(fmt.Sprintf("syn %d", syn))
		if err != nil {
			return err
		}
		pieces := strings.Split(resp, ",")
		if len(pieces) != 3 {
			return fmt.Errorf("qdac: unrecognized sync response: %q", resp)
		}
		fg, err := strconv.Atoi(strings.TrimSpace(pieces[0]))
		if err != nil {
			return err
		}
		ch, ok := fgOwners[fg]
		if !ok {
			continue
		}
		delayMS, err := strconv.Atoi(strings.TrimSpace(pieces[1]))
		if err != nil {
			return err
		}
		durationMS, err := strconv.Atoi(strings.TrimSpace(pieces[2]))
		if err != nil {
			return err
		}
		c := q.channels[ch-1]
		c.sync = syn
		c.syncDelay = time.Duration(delayMS) * time.Millisecond
		c.syncDuration = time.Duration(durationMS) * time.Millisecond
	}
	return nil
}

// generatorEnd estimates when a running generator will finish from its fun
// parameters.  A staircase reports its step timing; the position along the
// ramp is inferred from the channel's present voltage.  Free-running
// waveforms (sine, square, triangle) never expire on their own.
func (q *QDac) generatorEnd(fg int, amplitude, offset, v float64) (time.Time, int, error) {
	resp, err := q.ask(fmt.Sprintf("fun %d", fg))
	if err != nil {
		return time.Time{}, 0, err
	}
	fields := strings.Split(resp, ",")
	if len(fields) < 1 {
		return time.Time{}, 0, fmt.Errorf("qdac: unrecognized generator response: %q", resp)
	}
	waveform, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return time.Time{}, 0, err
	}
	if waveform != waveformStaircase {
		return neverReclaim, 0, nil
	}
	if len(fields) != 5 {
		return time.Time{}, 0, fmt.Errorf("qdac: unrecognized generator response: %q", resp)
	}
	params := make([]int, 4)
	for i := range params {
		params[i], err = strconv.Atoi(strings.TrimSpace(fields[i+1]))
		if err != nil {
			return time.Time{}, 0, err
		}
	}
	stepMS, nsteps, reps, trigger := params[0], params[1], params[2], params[3]
	total := time.Duration(stepMS*nsteps*reps) * time.Millisecond
	progress := 0.0
	if amplitude != 0 {
		progress = util.Clamp((v-offset)/amplitude, 0, 1)
	}
	remaining := time.Duration((1 - progress) * float64(total))
	// the extra millisecond keeps a ramp on its very last step from being
	// reclaimed before the hardware latches the final value
	return q.now().Add(remaining + time.Millisecond), trigger, nil
}

/////////////////////////
// validation helpers
/////////////////////////

func (q *QDac) validateChan(ch int) error {
	if ch < 1 || ch > q.numChans {
		return fmt.Errorf("qdac: channel number must be 1-%d, got %d", q.numChans, ch)
	}
	return nil
}

func (q *QDac) validateVoltage(ch int, v float64) error {
	b := q.channels[ch-1].activeBounds()
	if !b.Contains(v) {
		return fmt.Errorf("qdac: %f V is outside the calibrated range [%f, %f] of channel %d in its present mode", v, b.Min, b.Max, ch)
	}
	return nil
}

/////////////////////////
// channel voltage and current
/////////////////////////

// Voltage returns the cached output voltage of a channel.  The cache tracks
// every set through this session and is refreshed wholesale by UpdateCache.
func (q *QDac) Voltage(ch int) (float64, error) {
	if err := q.validateChan(ch); err != nil {
		return 0, err
	}
	return q.channels[ch-1].v, nil
}

// ReadVoltage queries the device for a channel's present output voltage and
// refreshes the cache.  During a ramp this reads the moving value.
func (q *QDac) ReadVoltage(ch int) (float64, error) {
	if err := q.validateChan(ch); err != nil {
		return 0, err
	}
	resp, err := q.ask(fmt.Sprintf("set %d", ch))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, err
	}
	q.channels[ch-1].v = v
	return v, nil
}

// SetVoltage sets a channel's output voltage.  If the channel has a finite
// slope assigned, the transition is performed as a hardware ramp honoring
// that slope; otherwise the output changes immediately.
func (q *QDac) SetVoltage(ch int, v float64) error {
	if err := q.validateChan(ch); err != nil {
		return err
	}
	if err := q.validateVoltage(ch, v); err != nil {
		return err
	}
	c := q.channels[ch-1]
	if c.slope > 0 {
		// read, not cache, in case an earlier ramp was interrupted
		vStart, err := q.ReadVoltage(ch)
		if err != nil {
			return err
		}
		duration := util.SecsToDuration(abs(v-vStart) / c.slope)
		_, err = q.RampVoltages([]int{ch}, []float64{vStart}, []float64{v}, duration)
		return err
	}
	// disconnect any generator so the set is not overridden by a stale waveform
	err := q.write(fmt.Sprintf("wav %d 0 0 0;set %d %.6f", ch, ch, v))
	if err != nil {
		return err
	}
	c.v = v
	return nil
}

// Current returns a channel's sensed output current in amperes
func (q *QDac) Current(ch int) (float64, error) {
	if err := q.validateChan(ch); err != nil {
		return 0, err
	}
	resp, err := q.ask(fmt.Sprintf("get %d", ch))
	if err != nil {
		return 0, err
	}
	// the device reports microamps
	ua, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, err
	}
	return 1e-6 * ua, nil
}

/////////////////////////
// slope
/////////////////////////

// Slope returns a channel's slope limit in V/s; ok is false when no slope is
// assigned and sets are immediate.
func (q *QDac) Slope(ch int) (slope float64, ok bool, err error) {
	if err := q.validateChan(ch); err != nil {
		return 0, false, err
	}
	c := q.channels[ch-1]
	return c.slope, c.slope > 0, nil
}

// SetSlope assigns a finite slope limit in V/s to a channel.  Subsequent
// SetVoltage calls ramp at this rate using a hardware generator.
func (q *QDac) SetSlope(ch int, vPerSec float64) error {
	if err := q.validateChan(ch); err != nil {
		return err
	}
	if vPerSec < 1e-3 || vPerSec > 1e4 {
		return fmt.Errorf("qdac: slope must be within [0.001, 10000] V/s, got %g", vPerSec)
	}
	q.channels[ch-1].slope = vPerSec
	return nil
}

// ReleaseSlope removes a channel's slope limit, pinning the output at its
// present value and releasing the channel's generator (and its trigger) for
// reuse.  The output rise time then depends only on the analog electronics.
func (q *QDac) ReleaseSlope(ch int) error {
	if err := q.validateChan(ch); err != nil {
		return err
	}
	v, err := q.ReadVoltage(ch)
	if err != nil {
		return err
	}
	// put the channel in DC mode at its present value
	err = q.write(fmt.Sprintf("set %d %.6f;wav %d 0 0 0", ch, v, ch))
	if err != nil {
		return err
	}
	if g, ok := q.assignedFGs[ch]; ok {
		g.end = time.Time{}
		delete(q.assignedTriggers, g.id)
	}
	if q.channels[ch-1].sync != 0 {
		if err := q.SetSync(ch, 0); err != nil {
			return err
		}
	}
	q.channels[ch-1].slope = 0
	return nil
}

/////////////////////////
// sync outputs
/////////////////////////

// Sync returns the sync output assigned to a channel, 0 if none
func (q *QDac) Sync(ch int) (int, error) {
	if err := q.validateChan(ch); err != nil {
		return 0, err
	}
	return q.channels[ch-1].sync, nil
}

// SetSync assigns a sync output (1..NumSyncOutputs) to a channel, or 0 to
// unassign.  A sync output belongs to at most one channel; stealing one from
// another channel clears that channel's assignment and the device register.
func (q *QDac) SetSync(ch, sync int) error {
	if err := q.validateChan(ch); err != nil {
		return err
	}
	if sync < 0 || sync > q.numSyns {
		return fmt.Errorf("qdac: sync output must be 0-%d, got %d", q.numSyns, sync)
	}
	c := q.channels[ch-1]
	if sync == 0 {
		old := c.sync
		c.sync = 0
		if old != 0 {
			return q.write(fmt.Sprintf("syn %d 0 0 0", old))
		}
		return nil
	}
	if c.sync != 0 && c.sync != sync {
		// channel is moving to a different sync port; clear the old register
		if err := q.write(fmt.Sprintf("syn %d 0 0 0", c.sync)); err != nil {
			return err
		}
	} else {
		// the requested port may belong to someone else; evict them
		for _, other := range q.channels {
			if other != c && other.sync == sync {
				other.sync = 0
				if err := q.write(fmt.Sprintf("syn %d 0 0 0", sync)); err != nil {
					return err
				}
				break
			}
		}
	}
	c.sync = sync
	return nil
}

// SyncDelay returns the delay before a channel's sync pulse
func (q *QDac) SyncDelay(ch int) (time.Duration, error) {
	if err := q.validateChan(ch); err != nil {
		return 0, err
	}
	return q.channels[ch-1].syncDelay, nil
}

// SetSyncDelay configures the delay before a channel's sync pulse
func (q *QDac) SetSyncDelay(ch int, d time.Duration) error {
	if err := q.validateChan(ch); err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("qdac: sync delay must be non-negative, got %v", d)
	}
	q.channels[ch-1].syncDelay = d
	return nil
}

// SyncDuration returns the duration of a channel's sync pulse
func (q *QDac) SyncDuration(ch int) (time.Duration, error) {
	if err := q.validateChan(ch); err != nil {
		return 0, err
	}
	return q.channels[ch-1].syncDuration, nil
}

// SetSyncDuration configures the duration of a channel's sync pulse
func (q *QDac) SetSyncDuration(ch int, d time.Duration) error {
	if err := q.validateChan(ch); err != nil {
		return err
	}
	if d < time.Millisecond {
		return fmt.Errorf("qdac: sync duration must be at least 1ms, got %v", d)
	}
	q.channels[ch-1].syncDuration = d
	return nil
}

/////////////////////////
// mode (voltage/current range)
/////////////////////////

// Mode returns a channel's cached mode
func (q *QDac) Mode(ch int) (Mode, error) {
	if err := q.validateChan(ch); err != nil {
		return 0, err
	}
	return q.channels[ch-1].mode, nil
}

// SetMode switches a channel's combined voltage/current range.  Changing the
// voltage range at an output voltage above the near-zero threshold fails
// with ErrNonZeroVoltage unless ModeForce is enabled, in which case the
// voltage is clipped into the new range's calibrated bounds.
//
// The two relays are never commanded into simultaneous conduction: the
// current sense relay opens before the voltage relay engages a higher range,
// and closes only after the voltage relay disengages one.
func (q *QDac) SetMode(ch int, newMode Mode) error {
	if err := q.validateChan(ch); err != nil {
		return err
	}
	c := q.channels[ch-1]
	oldMode := c.mode
	if oldMode == newMode {
		return nil
	}
	newV, oldV := newMode.VRange(), oldMode.VRange()
	newI, oldI := newMode.IRange(), oldMode.IRange()

	if newI != oldI && newV == oldV {
		// only the current sensor relay has to switch
		if err := q.write(fmt.Sprintf("cur %d %d", ch, newI)); err != nil {
			return err
		}
		c.mode = newMode
		return nil
	}

	// the voltage relay (also) has to switch
	var cmds []string
	// current sensor relay on->off before voltage relay off->on
	if newI < oldI && newV > oldV {
		cmds = append(cmds, fmt.Sprintf("cur %d %d", ch, newI))
	}
	oldVoltage, err := q.ReadVoltage(ch)
	if err != nil {
		return err
	}
	if !q.ModeForce && abs(oldVoltage) > maxZeroVoltage[oldV] {
		return ErrNonZeroVoltage
	}
	newVoltage := util.Clamp(oldVoltage, c.bounds[newV].Min, c.bounds[newV].Max)
	if newVoltage != oldVoltage {
		log.Printf("qdac: channel %d voltage %.6f is outside the bounds of the new voltage range and was clipped to %.6f", ch, oldVoltage, newVoltage)
	}
	cmds = append(cmds, fmt.Sprintf("vol %d %d", ch, newV))
	wavOrSet, err := q.wavOrSetCmd(ch, newVoltage)
	if err != nil {
		return err
	}
	cmds = append(cmds, wavOrSet)
	// current sensor relay off->on after voltage relay on->off
	if newI > oldI && newV < oldV {
		cmds = append(cmds, fmt.Sprintf("cur %d %d", ch, newI))
	}
	if err := q.write(strings.Join(cmds, ";")); err != nil {
		return err
	}
	c.mode = newMode
	c.v = newVoltage
	return nil
}

// ModeLabel returns a channel's cached mode as its display label
func (q *QDac) ModeLabel(ch int) (string, error) {
	m, err := q.Mode(ch)
	if err != nil {
		return "", err
	}
	return m.Label(), nil
}

// SetModeLabel switches a channel's mode given its display label
func (q *QDac) SetModeLabel(ch int, label string) error {
	m, err := ParseMode(label)
	if err != nil {
		return err
	}
	return q.SetMode(ch, m)
}

// wavOrSetCmd builds the command that re-applies a channel's voltage after a
// range switch.  A channel connected to a generator must be updated through
// its waveform offset with zero amplitude to avoid overflow in the firmware;
// a disconnected channel takes a plain set.
func (q *QDac) wavOrSetCmd(ch int, voltage float64) (string, error) {
	resp, err := q.ask(fmt.Sprintf("wav %d", ch))
	if err != nil {
		return "", err
	}
	pieces := strings.SplitN(resp, ",", 3)
	if len(pieces) != 3 {
		return "", fmt.Errorf("qdac: unrecognized waveform response: %q", resp)
	}
	gen, err := strconv.Atoi(strings.TrimSpace(pieces[0]))
	if err != nil {
		return "", err
	}
	if gen > 0 {
		return fmt.Sprintf("wav %d %d %.6f %.6f", ch, gen, 0.0, voltage), nil
	}
	return fmt.Sprintf("set %d %.6f", ch, voltage), nil
}

/////////////////////////
// misc device commands
/////////////////////////

// Temperature reads one of the three temperature sensors of a board, in C
func (q *QDac) Temperature(board, sensor int) (float64, error) {
	if board < 0 || board >= q.numChans/channelsPerBoard {
		return 0, fmt.Errorf("qdac: board must be 0-%d, got %d", q.numChans/channelsPerBoard-1, board)
	}
	if sensor < 0 || sensor > 2 {
		return 0, fmt.Errorf("qdac: sensor must be 0-2, got %d", sensor)
	}
	resp, err := q.ask(fmt.Sprintf("tem %d %d", board, sensor))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// Calibrate runs the internal calibration routine against channel ch, or
// selects no channel when ch is 0
func (q *QDac) Calibrate(ch int) error {
	if ch != 0 {
		if err := q.validateChan(ch); err != nil {
			return err
		}
	}
	return q.write(fmt.Sprintf("cal %d", ch))
}

// Reset returns the instrument to its power-on state: all channels at zero
// volts in the high/high mode with no slopes, syncs, generators or triggers
// assigned
func (q *QDac) Reset(updateCurrents bool) error {
	// the unit may have been power cycled; clear the io buffer first
	q.waitAndClear()
	if err := q.write("ver 0"); err != nil {
		return err
	}
	if err := q.Calibrate(0); err != nil {
		return err
	}
	for ch := 1; ch <= q.numChans; ch++ {
		// releasing the slope first makes the voltage set disconnect generators
		if err := q.ReleaseSlope(ch); err != nil {
			return err
		}
		if err := q.SetVoltage(ch, 0); err != nil {
			return err
		}
		if err := q.SetMode(ch, ModeVHighIHigh); err != nil {
			return err
		}
		if err := q.SetSync(ch, 0); err != nil {
			return err
		}
		c := q.channels[ch-1]
		c.syncDelay = 0
		c.syncDuration = 10 * time.Millisecond
	}
	if updateCurrents {
		for ch := 1; ch <= q.numChans; ch++ {
			if _, err := q.Current(ch); err != nil {
				return err
			}
		}
	}
	q.ModeForce = false
	q.assignedFGs = map[int]*generator{}
	q.assignedTriggers = map[int]int{}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
