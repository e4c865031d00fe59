package qdac

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// hardware resource counts; the QDAC has 8 staircase-capable function
// generators and 9 trigger lines regardless of board count
const (
	numGenerators = 8
	numTriggers   = 9

	// reclaimHorizon is how far into the future a generator's expected end
	// time may lie and still be considered worth waiting for
	reclaimHorizon = 2 * time.Second
)

// built-in waveform ids of the fun command
const (
	waveformSine      = 1
	waveformSquare    = 2
	waveformTriangle  = 3
	waveformStaircase = 4
)

// ErrNoGeneratorAvailable is generated when every generator is owned by a
// ramp that will not finish soon enough to be recycled
var ErrNoGeneratorAvailable = errors.New(
	"qdac: trying to ramp more channels than there are generators available; " +
		"insert delays allowing channels to finish ramping before ramping other channels, " +
		"or reduce the number of concurrently ramped channels")

// generator is the bookkeeping record for one hardware function generator.
// end is when its current ramp is expected to finish; the zero time marks it
// as immediately reclaimable.
type generator struct {
	id  int
	end time.Time
}

// neverReclaim is the end time of a generator that is owned but not yet
// programmed, or running a free-running waveform.  It lies far outside any
// reclaim horizon so the victim scan cannot pick it.
var neverReclaim = time.Unix(9900000000, 0)

// assignedGenerator returns the generator id owned by a channel, if any
func (q *QDac) assignedGenerator(ch int) (int, bool) {
	g, ok := q.assignedFGs[ch]
	if !ok {
		return 0, false
	}
	return g.id, true
}

// acquireGenerator obtains a function generator for a channel.
//
// The lowest numbered free generator is preferred.  When all 8 are assigned,
// the one with the earliest expected end time within the reclaim horizon is
// recycled: if its ramp has not quite finished the call sleeps until it has,
// then the displaced channel is forced into DC mode at its cached voltage
// and silently stops ramping.  If no generator ends within the horizon the
// call fails with ErrNoGeneratorAvailable rather than blocking indefinitely.
func (q *QDac) acquireGenerator(ch int) (int, error) {
	if len(q.assignedFGs) < numGenerators {
		used := [numGenerators + 1]bool{}
		for _, g := range q.assignedFGs {
			used[g.id] = true
		}
		for id := 1; id <= numGenerators; id++ {
			if !used[id] {
				q.assignedFGs[ch] = &generator{id: id, end: neverReclaim}
				return id, nil
			}
		}
	}

	// no free generators; look for one that ends soon.  Ties break toward
	// the lower channel number so behavior does not depend on map order.
	now := q.now()
	horizon := now.Add(reclaimHorizon)
	var (
		victim     *generator
		victimChan int
	)
	for c, g := range q.assignedFGs {
		if g.end.After(horizon) {
			continue
		}
		if victim == nil || g.end.Before(victim.end) || (g.end.Equal(victim.end) && c < victimChan) {
			victim, victimChan = g, c
		}
	}
	if victim == nil {
		return 0, ErrNoGeneratorAvailable
	}
	if victim.end.After(now) {
		log.Printf("qdac: all %d generators busy, waiting %v for generator %d to finish ramping channel %d",
			numGenerators, victim.end.Sub(now), victim.id, victimChan)
		q.sleep(victim.end.Sub(now))
	}
	delete(q.assignedFGs, victimChan)
	q.assignedFGs[ch] = &generator{id: victim.id, end: neverReclaim}
	// park the displaced channel in DC mode at its cached voltage so the
	// recycled generator cannot keep driving it
	v := q.channels[victimChan-1].v
	err := q.write(fmt.Sprintf("set %d %.6f;wav %d 0 0 0", victimChan, v, victimChan))
	if err != nil {
		return 0, err
	}
	return victim.id, nil
}

// freeTrigger returns the lowest trigger line not bound to any generator
func (q *QDac) freeTrigger() (int, error) {
	used := [numTriggers + 1]bool{}
	for _, t := range q.assignedTriggers {
		if t >= 1 && t <= numTriggers {
			used[t] = true
		}
	}
	for t := 1; t <= numTriggers; t++ {
		if !used[t] {
			return t, nil
		}
	}
	return 0, errors.New("qdac: all trigger lines are in use")
}
