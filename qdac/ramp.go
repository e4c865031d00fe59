package qdac

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/qdevil-lab/golabq/util"
)

// Group is one set of channels participating in a ramp, with their target
// voltages.  Start may be left empty, in which case each channel's present
// output voltage is read from the device and used as the starting point;
// supplying Start saves that round trip.
type Group struct {
	Channels []int
	Start    []float64
	End      []float64
}

func (g Group) validateShape(name string) error {
	if len(g.End) != len(g.Channels) {
		return fmt.Errorf("qdac: %s group has %d channels but %d end voltages", name, len(g.Channels), len(g.End))
	}
	if len(g.Start) != 0 && len(g.Start) != len(g.Channels) {
		return fmt.Errorf("qdac: %s group has %d channels but %d start voltages", name, len(g.Channels), len(g.Start))
	}
	return nil
}

// RampVoltages smoothly ramps one or more channels (max 8) simultaneously
// over rampTime.  It is a shallow interface to RampVoltages2D with all
// channels in the fast group, stepping once per millisecond.
//
// The returned duration is the expected wall-clock length of the ramp; the
// call returns as soon as the ramp is started, so wait it out before
// measuring or issuing conflicting commands.
func (q *QDac) RampVoltages(chans []int, vStart, vEnd []float64, rampTime time.Duration) (time.Duration, error) {
	if rampTime < 2*time.Millisecond {
		log.Printf("qdac: ramp time too short: %v, ramp time set to 2ms", rampTime)
		rampTime = 2 * time.Millisecond
	}
	steps := int(rampTime / time.Millisecond)
	return q.RampVoltages2D(
		Group{},
		Group{Channels: chans, Start: vStart, End: vEnd},
		time.Millisecond, 1, steps)
}

// RampVoltages2D smoothly ramps two channel groups as a raster: the fast
// group steps every stepLength, and the slow group advances once per full
// pass of the fast group.  Function generators and a shared trigger are
// assigned automatically; with a single participating channel no trigger is
// used and the generator starts immediately.
//
// All validation happens before anything is written to the device.  The
// returned duration is computed, not measured; the call returns as soon as
// the trigger is fired.
func (q *QDac) RampVoltages2D(slow, fast Group, stepLength time.Duration, slowSteps, fastSteps int) (time.Duration, error) {
	if stepLength < time.Millisecond {
		log.Printf("qdac: step length too short: %v, step length set to minimum (1ms)", stepLength)
		stepLength = time.Millisecond
	}
	stepMS := int(stepLength / time.Millisecond)

	for _, ch := range slow.Channels {
		for _, other := range fast.Channels {
			if ch == other {
				return 0, fmt.Errorf("qdac: channel %d cannot be in both the slow and fast group", ch)
			}
		}
	}
	if err := slow.validateShape("slow"); err != nil {
		return 0, err
	}
	if err := fast.validateShape("fast"); err != nil {
		return 0, err
	}

	channels := append(append([]int{}, slow.Channels...), fast.Channels...)
	vEnd := append(append([]float64{}, slow.End...), fast.End...)
	for i, ch := range channels {
		if err := q.validateChan(ch); err != nil {
			return 0, err
		}
		if err := q.validateVoltage(ch, vEnd[i]); err != nil {
			return 0, err
		}
	}
	for _, g := range []Group{slow, fast} {
		for i := range g.Start {
			if err := q.validateVoltage(g.Channels[i], g.Start[i]); err != nil {
				return 0, err
			}
		}
	}

	// all checks passed; from here on we talk to the hardware
	for _, ch := range channels {
		if _, ok := q.assignedGenerator(ch); !ok {
			if _, err := q.acquireGenerator(ch); err != nil {
				return 0, err
			}
		}
	}

	vStart, err := q.startVoltages(slow, fast)
	if err != nil {
		return 0, err
	}

	// a lone channel needs no cross-channel synchronization; trigger 0 is
	// the "start immediately" sentinel on the wire
	trigger := 0
	if len(channels) > 1 {
		trigger, err = q.freeTrigger()
		if err != nil {
			return 0, err
		}
	}

	// make sure any sync outputs are configured before the waveforms arm
	for _, ch := range channels {
		c := q.channels[ch-1]
		if c.sync != 0 {
			fg := q.assignedFGs[ch].id
			err = q.write(fmt.Sprintf("syn %d %d %d %d",
				c.sync, fg,
				int(c.syncDelay/time.Millisecond),
				int(c.syncDuration/time.Millisecond)))
			if err != nil {
				return 0, err
			}
		}
	}

	// program every channel's amplitude and staircase in one batched write
	isSlow := map[int]bool{}
	for _, ch := range slow.Channels {
		isSlow[ch] = true
	}
	cmds := make([]string, 0, 2*len(channels))
	for i, ch := range channels {
		fg := q.assignedFGs[ch].id
		if trigger > 0 { // trigger 0 is not a trigger
			q.assignedTriggers[fg] = trigger
		}
		amplitude := vEnd[i] - vStart[i]
		nsteps, reps, delay := fastSteps, slowSteps, stepMS
		if isSlow[ch] {
			// slow channels advance once per full fast pass
			nsteps, reps, delay = slowSteps, 1, fastSteps*stepMS
		}
		cmds = append(cmds,
			fmt.Sprintf("wav %d %d %.6f %.6f", ch, fg, amplitude, vStart[i]),
			fmt.Sprintf("fun %d %d %d %d %d %d", fg, waveformStaircase, delay, nsteps, reps, trigger))
		q.channels[ch-1].v = vEnd[i]
	}
	if err := q.write(strings.Join(cmds, ";")); err != nil {
		return 0, err
	}

	// fire the shared trigger so all generators start in lock-step; single
	// channel ramps already started on their own
	if trigger > 0 {
		if err := q.write(fmt.Sprintf("trig %d", trigger)); err != nil {
			return 0, err
		}
	}

	rampTime := time.Duration(slowSteps*fastSteps*stepMS) * time.Millisecond
	end := q.now().Add(rampTime)
	for _, ch := range channels {
		q.assignedFGs[ch].end = end
	}
	log.Printf("qdac: ramping channels %s over %v", util.IntSliceToCSV(channels), rampTime)
	return rampTime, nil
}

// startVoltages assembles the full start voltage list in channel order,
// reading the device for any group that did not supply one
func (q *QDac) startVoltages(slow, fast Group) ([]float64, error) {
	out := make([]float64, 0, len(slow.Channels)+len(fast.Channels))
	for _, g := range []Group{slow, fast} {
		if len(g.Start) != 0 {
			out = append(out, g.Start...)
			continue
		}
		for _, ch := range g.Channels {
			v, err := q.ReadVoltage(ch)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	return out, nil
}
